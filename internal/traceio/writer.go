package traceio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/signalsfoundry/contact-trace/model"
)

// ContactSource is anything that can enumerate contacts, such as
// *core.ContactSet.
type ContactSource interface {
	Contacts() []model.Contact
	Sorted() []model.Contact
}

// WriteContacts writes one "a b startMillis stopMillis" line per contact.
func WriteContacts(w io.Writer, contacts []model.Contact) (int, error) {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for i, c := range contacts {
		buf = appendContact(buf[:0], c)
		if _, err := bw.Write(buf); err != nil {
			return i, fmt.Errorf("write contact %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(contacts), fmt.Errorf("flush contacts: %w", err)
	}
	return len(contacts), nil
}

// DumpFile creates or truncates path and writes every contact of src to it,
// in key order when sorted is set. src is never modified, so a failed dump
// can be retried.
func DumpFile(path string, src ContactSource, sorted bool) (n int, err error) {
	var contacts []model.Contact
	if sorted {
		contacts = src.Sorted()
	} else {
		contacts = src.Contacts()
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create contact trace: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close contact trace: %w", cerr)
		}
	}()

	return WriteContacts(f, contacts)
}

func appendContact(buf []byte, c model.Contact) []byte {
	buf = strconv.AppendInt(buf, int64(c.VehicleA), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(c.VehicleB), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, c.Start, 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, c.Stop, 10)
	return append(buf, '\n')
}
