package page

import (
	"strings"
	"sync"
)

// entrySeparator is put between entries of the diagnostic log.
const entrySeparator = "\r\n\r\n"

// Log is the diagnostic text a page shows to the user.
// Entries are only ever appended, until the page reloads.
type Log struct {
	mu   sync.Mutex
	text strings.Builder
}

func (l *Log) Append(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.text.Len() > 0 {
		l.text.WriteString(entrySeparator)
	}
	l.text.WriteString(entry)
}

func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.text.String()
}

func (l *Log) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text.Reset()
}
