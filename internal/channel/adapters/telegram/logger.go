package telegram

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var setLoggerOnce sync.Once

// slogBotLogger routes the SDK's package-level log lines into slog at debug level.
type slogBotLogger struct {
	logger *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// installBotLogger replaces the SDK logger. The SDK logger is global, so only
// the first adapter's logger wins.
func installBotLogger(log *slog.Logger) {
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{logger: log.With(slog.String("sdk", "telegram-bot-api"))})
	})
}
