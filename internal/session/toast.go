package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime"
)

// Toast is a user-facing message.
type Toast struct {
	Severity   realtime.Severity
	Title      string
	Message    string
	Persistent bool // stays until dismissed
}

// Text renders the toast as "Title: Message".
func (t Toast) Text() string {
	switch {
	case t.Title == "":
		return t.Message
	case t.Message == "":
		return t.Title
	}
	return t.Title + ": " + t.Message
}

// Toaster shows toasts to the user.
type Toaster interface {
	Show(Toast)
}

// ToasterFunc adapts a function to a Toaster.
type ToasterFunc func(Toast)

// Show calls f(t).
func (f ToasterFunc) Show(t Toast) { f(t) }

// LogToaster writes toasts to the log. It is used when no UI is attached.
type LogToaster struct{}

// Show logs the toast at a level matching its severity.
func (LogToaster) Show(t Toast) {
	args := []any{"severity", string(t.Severity), "persistent", t.Persistent}
	switch t.Severity {
	case realtime.SeverityError:
		log.Error("toast: "+t.Text(), args...)
	case realtime.SeverityWarning:
		log.Warn("toast: "+t.Text(), args...)
	default:
		log.Info("toast: "+t.Text(), args...)
	}
}

// WriterToaster prints one line per toast.
type WriterToaster struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterToaster returns a toaster printing to w.
func NewWriterToaster(w io.Writer) *WriterToaster {
	return &WriterToaster{w: w}
}

// Show prints the toast.
func (p *WriterToaster) Show(t Toast) {
	p.mu.Lock()
	defer p.mu.Unlock()
	marker := ""
	if t.Persistent {
		marker = " (persistent)"
	}
	fmt.Fprintf(p.w, "[%s]%s %s\n", t.Severity, marker, t.Text())
}
