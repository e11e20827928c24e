package logger

import (
	"fmt"
	"time"
)

// Field is a single structured key/value pair attached to a log line.
type Field interface {
	Key() string
	String() string
}

type Fields []Field

func (f *Fields) Add(fields ...Field) {
	*f = append(*f, fields...)
}

func (f *Fields) Get(key string) []Field {
	out := []Field{}
	for _, field := range *f {
		if field.Key() == key {
			out = append(out, field)
		}
	}
	return out
}

type genericField struct {
	key    string
	value  any
	format string
}

func (f genericField) Key() string    { return f.key }
func (f genericField) String() string { return fmt.Sprintf(f.format, f.value) }

func StringField(key, value string) Field {
	return genericField{key: key, value: value, format: "%s"}
}

func IntField(key string, value int) Field {
	return genericField{key: key, value: value, format: "%d"}
}

func DurationField(key string, value time.Duration) Field {
	return genericField{key: key, value: value, format: "%v"}
}

func ErrField(err error) Field {
	return genericField{key: "error", value: err, format: "%v"}
}
