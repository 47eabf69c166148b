package utils

import (
	"log"
	"os"
)

type Logger struct {
	std *log.Logger
	err *log.Logger
}

func NewLogger() *Logger {
	return &Logger{
		std: log.New(os.Stdout, "", log.LstdFlags|log.LUTC),
		err: log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.err == nil {
		return
	}
	l.err.Printf("ERROR "+format, args...)
}
