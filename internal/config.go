package internal

import (
	"fmt"
	"time"
)

type Config struct {
	TCPAddr string `env:"LANMEET_TCP_ADDR,default=:7630" validate:"required"`
	UDPAddr string `env:"LANMEET_UDP_ADDR,default=:7631" validate:"required"`

	FrameTimeout    time.Duration `env:"FRAME_TIMEOUT,default=2s" validate:"gt=0"`
	InactiveTimeout time.Duration `env:"INACTIVE_TIMEOUT,default=6s" validate:"gt=0,gtfield=FrameTimeout"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=1s" validate:"gt=0"`

	// MaxPayloadBytes may be lowered below the codec ceiling, never raised.
	MaxPayloadBytes      int           `env:"MAX_PAYLOAD_BYTES,default=60000" validate:"gt=0,lte=60000"`
	SendTimeout          time.Duration `env:"SEND_TIMEOUT,default=200ms" validate:"gt=0"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256" validate:"gt=0"`
	TransferIdleTimeout  time.Duration `env:"TRANSFER_IDLE_TIMEOUT,default=30s" validate:"gt=0"`

	MonitorInterval time.Duration `env:"MONITOR_INTERVAL,default=5s" validate:"gte=0"`
	DebugAddr       string        `env:"DEBUG_ADDR"`
	ChatIndexKept   int           `env:"CHAT_INDEX_KEPT,default=256" validate:"gt=0"`

	ModerationWordsFile string `env:"MODERATION_WORDS_FILE"`
	CharReplacement     string `env:"MODERATION_CHARACTER_REPLACEMENT,default=*" validate:"required"`

	LogLevel string `env:"LOG_LEVEL,default=INFO" validate:"required"`
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"MODERATION_CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
