package phone

import (
	"sync"
)

// eventQueue неограниченная FIFO очередь с одним потребителем.
// push никогда не блокирует, поэтому транспорт может генерировать события
// синхронно изнутри команды, которую в этот момент выполняет цикл.
type eventQueue struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push добавляет элемент. Возвращает false, если очередь закрыта.
func (q *eventQueue) push(item any) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop блокирует до появления элемента. ok == false означает, что очередь
// закрыта и пуста.
func (q *eventQueue) pop() (item any, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close запрещает новые элементы; уже добавленные будут выданы pop.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
