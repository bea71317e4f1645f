package imapparser

import "fmt"

// TaggedError associates a parse failure with the command tag it
// occurred under, so a session can fail just that command instead of
// killing the connection.
type TaggedError struct {
	Tag string
	Err error
}

func (te TaggedError) Error() string {
	errStr := "<nil>"
	if te.Err != nil {
		errStr = te.Err.Error()
	}
	return fmt.Sprintf("imapparser: %s %s", te.Tag, errStr)
}

// ParseError is a malformed-grammar failure, as opposed to an I/O
// error surfaced through the Scanner.
type ParseError struct {
	msg string
}

func (e ParseError) Error() string { return e.msg }

func parseErrorf(format string, v ...interface{}) error {
	return ParseError{msg: fmt.Sprintf(format, v...)}
}
