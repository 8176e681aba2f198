package reader

import (
	"log/slog"

	"github.com/tagauth/tagauthd/internal/config"
)

// FromConfig instantiates every enabled backend. The daemon runs each
// returned Reader in its own goroutine.
func FromConfig(cfg *config.ReadersConfig, sink Sink, log *slog.Logger) []Reader {
	var readers []Reader

	if cfg.PCSC.Enabled {
		readers = append(readers, NewPCSC(cfg.PCSC, sink, log))
	}

	if cfg.Serial.Enabled {
		readers = append(readers, NewSerial(cfg.Serial, sink, log))
	}

	if cfg.HID.Enabled {
		readers = append(readers, NewHID(cfg.HID, sink, log))
	}

	if cfg.PM3.Enabled {
		readers = append(readers, NewPM3(cfg.PM3, sink, log))
	}

	if cfg.HTTP.Enabled {
		readers = append(readers, NewHTTPPush(cfg.HTTP, sink, log))
	}

	if cfg.TCP.Enabled {
		readers = append(readers, NewTCPClient(cfg.TCP, sink, log))
	}

	return readers
}
