// meshberryd runs the mesh session engine on a LAN transport, with a
// companion TCP listener and an HTTP status/metrics server.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nodakmesh/meshberry/internal/config"
	"github.com/nodakmesh/meshberry/internal/logging"
	"github.com/nodakmesh/meshberry/internal/mesh"
	"github.com/nodakmesh/meshberry/internal/mesh/directory"
	"github.com/nodakmesh/meshberry/internal/observability"
)

const (
	tickInterval  = 100 * time.Millisecond
	advertPeriod  = 5 * time.Minute
	meshListen    = ":4793"
	meshBroadcast = "255.255.255.255:4793"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (defaults apply when empty)")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := log.Logger

	cfg := config.DefaultNodeConfig()
	if *configPath != "" {
		loaded, err := config.LoadNodeConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("config load failed")
		}
		cfg = loaded
	}
	observability.RegisterMetrics()

	transport, err := newLANTransport(logger, meshListen, meshBroadcast, cfg.Channels)
	if err != nil {
		logger.Fatal().Err(err).Msg("transport start failed")
	}
	defer transport.Close()

	engine := mesh.NewEngine(logger, clock.New(), cfg, transport, loggingEvents{logger: logger})

	link, err := newTCPLink(logger, cfg.CompanionAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("companion listener failed")
	}
	defer link.Close()
	engine.StartCompanion(link)

	store := newStatusStore()
	router := newRouter(logger, cfg, store)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("status server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	if err := engine.SendAdvertisement(); err != nil {
		logger.Warn().Err(err).Msg("initial advert failed")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	advertTicker := time.NewTicker(advertPeriod)
	defer advertTicker.Stop()

	logger.Info().Str("node", cfg.Name).Msg("meshberryd running")

	// The foreground loop. Every engine touchpoint happens here: packet
	// dispatch, timeout polling, companion polling, status publishing.
	for {
		select {
		case pkt, ok := <-transport.Inbound():
			if !ok {
				logger.Error().Msg("transport closed")
				httpServer.Close()
				return
			}
			transport.Dispatch(engine, pkt)
		case <-ticker.C:
			engine.Tick()
			store.Update(snapshot(engine))
		case <-advertTicker.C:
			if err := engine.SendAdvertisement(); err != nil {
				logger.Warn().Err(err).Msg("periodic advert failed")
			}
		case sig := <-stop:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			httpServer.Close()
			return
		}
	}
}

func snapshot(engine *mesh.Engine) statusSnapshot {
	dir := engine.Directory()
	snap := statusSnapshot{
		Node:       engine.NodeName(),
		Forwarding: engine.Forwarding(),
		Repeater:   engine.RepeaterState().String(),
		PendingDMs: engine.PendingDMs(),
	}
	for i := 0; i < dir.NodeCount(); i++ {
		node, _ := dir.Node(i)
		snap.Nodes = append(snap.Nodes, nodeStatus{
			ID:        node.ID,
			Name:      node.Name,
			Type:      node.Type.String(),
			LastHeard: node.LastHeard,
			SNR:       node.SNR,
		})
	}
	for i := 0; i < dir.MessageCount(); i++ {
		msg, _ := dir.Message(i)
		snap.Messages = append(snap.Messages, messageView{
			SenderID:  msg.SenderID,
			Timestamp: msg.Timestamp,
			Text:      msg.Text,
			Outgoing:  msg.Outgoing,
			Delivered: msg.Delivered,
		})
	}
	return snap
}

// loggingEvents is the daemon's event sink: everything the engine
// reports lands in the log. A UI host would register its own sink here.
type loggingEvents struct {
	mesh.NopEvents
	logger zerolog.Logger
}

func (ev loggingEvents) OnNodeDiscovered(node directory.NodeInfo) {
	ev.logger.Info().
		Uint32("id", node.ID).
		Str("name", node.Name).
		Str("type", node.Type.String()).
		Msg("node discovered")
}

func (ev loggingEvents) OnChannelMessage(channelIdx int, text string, timestamp uint32, hops uint8) {
	ev.logger.Info().
		Int("channel", channelIdx).
		Uint8("hops", hops).
		Str("text", text).
		Msg("channel message")
}

func (ev loggingEvents) OnDirectMessage(contactID uint32, sender, text string, timestamp uint32) {
	ev.logger.Info().
		Uint32("contact", contactID).
		Str("sender", sender).
		Str("text", text).
		Msg("direct message")
}

func (ev loggingEvents) OnDeliveryReport(contactID, ackTag uint32, delivered bool, attempts int) {
	ev.logger.Info().
		Uint32("contact", contactID).
		Uint32("ack_tag", ackTag).
		Bool("delivered", delivered).
		Int("attempts", attempts).
		Msg("delivery report")
}

func (ev loggingEvents) OnChannelRepeat(channelIdx int, contentHash uint32, count int) {
	ev.logger.Info().
		Int("channel", channelIdx).
		Uint32("hash", contentHash).
		Int("count", count).
		Msg("channel repeat heard")
}

func (ev loggingEvents) OnLoginResult(ok bool, perms uint8, name string) {
	ev.logger.Info().
		Bool("ok", ok).
		Uint8("perms", perms).
		Str("repeater", name).
		Msg("repeater login result")
}

func (ev loggingEvents) OnCLIResponse(text string) {
	ev.logger.Info().Str("text", text).Msg("repeater cli response")
}
