package config

import (
	"sort"
	"strings"
)

// Contact запись адресной книги
type Contact struct {
	Name   string
	Number string
}

// Book адресная книга из секции [contacts]: имя = номер
type Book struct {
	entries []Contact
}

// Add добавляет или заменяет контакт с тем же именем
func (b *Book) Add(name, number string) {
	name, number = strings.TrimSpace(name), strings.TrimSpace(number)
	if name == "" || number == "" {
		return
	}
	for i, c := range b.entries {
		if strings.EqualFold(c.Name, name) {
			b.entries[i].Number = number
			return
		}
	}
	b.entries = append(b.entries, Contact{Name: name, Number: number})
}

// Lookup ищет по номеру
func (b *Book) Lookup(number string) (Contact, bool) {
	for _, c := range b.entries {
		if c.Number == number {
			return c, true
		}
	}
	return Contact{}, false
}

// Resolve принимает имя или номер. Неизвестный ввод считается номером.
func (b *Book) Resolve(query string) Contact {
	query = strings.TrimSpace(query)
	for _, c := range b.entries {
		if strings.EqualFold(c.Name, query) {
			return c
		}
	}
	if c, ok := b.Lookup(query); ok {
		return c
	}
	return Contact{Name: query, Number: query}
}

// All контакты по имени
func (b *Book) All() []Contact {
	out := append([]Contact(nil), b.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Book) Len() int {
	return len(b.entries)
}
