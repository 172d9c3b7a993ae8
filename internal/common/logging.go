package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[fitsgate] ", log.LstdFlags|log.Lmicroseconds)
)

// SetLogOutput redirects package logging, typically to a rotating file.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}
