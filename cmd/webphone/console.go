package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/signaling"
)

var errUnknownCommand = errors.New("unknown command")

// controller команды ядра, которые использует консоль
type controller interface {
	State() phone.Snapshot
	Connect(creds signaling.Credentials) error
	Disconnect() error
	StartCall(number string, contact *phone.Contact) error
	AcceptCall() error
	EndCall() error
	ToggleMute() error
	ToggleSpeaker() error
	SendTone(tones string) error
}

// console строковый интерфейс пользователя: одна команда на строку
type console struct {
	phone controller
	book  *config.Book
	creds signaling.Credentials
	out   io.Writer
}

const helpText = `commands:
  connect                 register with the configured account
  disconnect              drop the connection
  call <name|number>      place a call
  accept                  answer the incoming call
  hangup                  end or decline the call
  mute                    toggle microphone
  speaker                 toggle speaker
  dtmf <digits>           send DTMF tones
  contacts                list the address book
  status                  print the current state
  quit                    exit
`

// execute выполняет одну строку. quit true - завершить работу.
func (c *console) execute(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "connect":
		return false, c.phone.Connect(c.creds)
	case "disconnect":
		return false, c.phone.Disconnect()
	case "call", "dial":
		if len(args) == 0 {
			return false, errors.New("usage: call <name|number>")
		}
		entry := c.book.Resolve(strings.Join(args, " "))
		return false, c.phone.StartCall(entry.Number, &phone.Contact{Name: entry.Name, Number: entry.Number})
	case "accept", "answer":
		return false, c.phone.AcceptCall()
	case "hangup", "end", "decline":
		return false, c.phone.EndCall()
	case "mute":
		return false, c.phone.ToggleMute()
	case "speaker":
		return false, c.phone.ToggleSpeaker()
	case "dtmf":
		if len(args) == 0 {
			return false, errors.New("usage: dtmf <digits>")
		}
		return false, c.phone.SendTone(strings.Join(args, ""))
	case "contacts":
		for _, entry := range c.book.All() {
			fmt.Fprintf(c.out, "  %-20s %s\n", entry.Name, entry.Number)
		}
		return false, nil
	case "status":
		fmt.Fprintln(c.out, render(c.phone.State()))
		return false, nil
	case "help", "?":
		fmt.Fprint(c.out, helpText)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, errors.Wrap(errUnknownCommand, cmd)
	}
}

// render одна строка состояния для терминала
func render(s phone.Snapshot) string {
	var call string
	switch st := s.Call.(type) {
	case phone.Incoming:
		call = fmt.Sprintf("incoming call from %s", displayName(st.Contact))
	case phone.InCall:
		call = fmt.Sprintf("in call with %s", displayName(st.Contact))
		if st.Muted {
			call += " [muted]"
		}
		if st.Speaker {
			call += " [speaker]"
		}
	default:
		call = "idle"
	}
	return fmt.Sprintf("[%s] %s", s.Connection, call)
}

func displayName(c phone.Contact) string {
	if c.Name == "" || c.Name == c.Number {
		return c.Number
	}
	return fmt.Sprintf("%s <%s>", c.Name, c.Number)
}
