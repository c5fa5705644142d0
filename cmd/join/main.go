// Command join is a headless room participant: it captures local media,
// connects to the relay and negotiates a mesh of peer connections. Useful
// for soak testing a room and as the reference wiring of the engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/adapters/capture"
	"github.com/praveenparshiva/instant-vid-link/internal/adapters/relay"
	"github.com/praveenparshiva/instant-vid-link/internal/adapters/rtc"
	"github.com/praveenparshiva/instant-vid-link/internal/app"
	"github.com/praveenparshiva/instant-vid-link/internal/config"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/session"
)

func main() {
	roomFlag := flag.String("room", "lobby", "room id to join")
	nameFlag := flag.String("name", "headless", "display name")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	roomID, err := domain.ParseRoomID(*roomFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad room id")
	}
	self, err := domain.NewParticipant(*nameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad display name")
	}

	devices, err := capture.New()
	if err != nil {
		log.Fatal().Err(err).Msg("capture stack")
	}
	transports, err := rtc.NewFactory(cfg.ICEServers, devices.PopulateEngine)
	if err != nil {
		log.Fatal().Err(err).Msg("transport stack")
	}

	client, err := relay.Dial(ctx, cfg.RelayURL, cfg.PingPeriod)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("relay dial")
	}
	defer client.Close()

	sess := session.New(session.Params{
		RoomID:       roomID,
		Self:         self,
		Presence:     client,
		Relay:        client,
		Transports:   transports,
		Capture:      devices,
		Policy:       app.PolicyFromConfig(cfg.StopVideoOnDisable),
		OfferTimeout: cfg.OfferTimeout,
	})
	sess.OnDeviceError(func(err error) {
		log.Warn().Err(err).Msg("device problem, continuing receive-only")
	})
	client.Start(sess)

	if err := sess.Join(ctx); err != nil {
		log.Fatal().Err(err).Str("room", string(roomID)).Msg("join failed")
	}
	log.Info().Str("room", string(roomID)).Str("id", string(self.ID)).Str("name", self.DisplayName).Msg("in the room")

	snaps, stop := sess.ObserveParticipants()
	defer stop()
	go func() {
		for snap := range snaps {
			for _, p := range snap {
				log.Info().
					Str("id", string(p.ID)).
					Str("name", p.DisplayName).
					Bool("stream", p.HasIncomingStream).
					Bool("muted", p.IsMuted).
					Bool("video_off", p.IsVideoOff).
					Msg("participant")
			}
		}
	}()

	<-ctx.Done()
	if err := sess.Leave(); err != nil {
		log.Error().Err(err).Msg("leave")
	}
	log.Info().Msg("left the room")
}
