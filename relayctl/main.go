package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ideagraph/relay/relay"
)

const RelayCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Relay control.

The relay url is taken from --relay_url, then the config file, then $%s.
The default relay url is:
    relay_url: %s

Usage:
    relayctl publish [--relay_url=<relay_url>] [--config=<config>]
        [--timeout=<timeout>]
        [--log_level=<log_level>]
        <event_file>
    relayctl subscribe [--relay_url=<relay_url>] [--config=<config>]
        [--sub_id=<sub_id>]
        [--kind=<kind>...]
        [--topic=<topic>...]
        [--author=<author>...]
        [--since=<since>]
        [--limit=<limit>]
        [--message_count=<message_count>]
        [--metrics_addr=<metrics_addr>]
        [--log_level=<log_level>]
    relayctl -h | --help
    relayctl --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --relay_url=<relay_url>          Websocket url of the relay.
    --config=<config>                TOML client settings.
    --timeout=<timeout>              Publish acknowledgement timeout, e.g. 5s.
    --sub_id=<sub_id>                Subscription id. A new id is generated by default.
    --kind=<kind>                    Event kind to match.
    --topic=<topic>                  Topic ("t" tag) to match.
    --author=<author>                Author pubkey to match.
    --since=<since>                  Unix time lower bound.
    --limit=<limit>                  Maximum number of stored events to replay.
    --message_count=<message_count>  Print this many events then exit.
    --metrics_addr=<metrics_addr>    Serve prometheus metrics on this address, e.g. :9100.
    --log_level=<log_level>          glog verbosity [default: 0].
    <event_file>                     Event json file, or - for stdin.`,
		RelayUrlEnv,
		relay.DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	exitCode := 0
	if publish_, _ := opts.Bool("publish"); publish_ {
		exitCode = publish(opts)
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		exitCode = subscribe(opts)
	}
	glog.Flush()
	os.Exit(exitCode)
}

func initGlog(opts docopt.Opts) {
	logLevel := "0"
	if logLevel_, err := opts.String("--log_level"); err == nil {
		logLevel = logLevel_
	}
	flag.Set("logtostderr", "true")
	flag.Set("v", logLevel)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func loadConfig(opts docopt.Opts) (*clientConfig, string, error) {
	configPath, _ := opts.String("--config")
	config, err := loadClientConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	flagRelayUrl, _ := opts.String("--relay_url")
	return config, config.resolveRelayUrl(flagRelayUrl), nil
}

// publish one event and print the acknowledgement
func publish(opts docopt.Opts) int {
	config, relayUrl, err := loadConfig(opts)
	if err != nil {
		Err.Printf("%s\n", err)
		return 2
	}

	var timeout time.Duration
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		timeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			Err.Printf("Invalid timeout (%s).\n", err)
			return 2
		}
	}

	eventFile, _ := opts.String("<event_file>")
	event, err := readEvent(eventFile)
	if err != nil {
		Err.Printf("Invalid event (%s).\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := relay.NewClient(ctx, relayUrl, config.settings)
	defer client.Cancel()

	result := client.Publish(ctx, event, timeout)

	output := map[string]any{
		"client_id": client.ClientId().String(),
		"event_id":  result.EventId,
		"outcome":   result.Outcome.String(),
	}
	if result.Message != "" {
		output["message"] = result.Message
	}
	if result.Err != nil {
		output["error"] = result.Err.Error()
	}
	printJson(output)

	if result.Accepted() {
		return 0
	}
	return 1
}

func readEvent(eventFile string) (*relay.Event, error) {
	var r io.Reader
	if eventFile == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(eventFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var event relay.Event
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

func subscribeFilter(opts docopt.Opts) (relay.Filter, error) {
	filter := relay.Filter{}
	if kinds, ok := opts["--kind"].([]string); ok {
		for _, kindStr := range kinds {
			kind, err := strconv.Atoi(kindStr)
			if err != nil {
				return relay.Filter{}, fmt.Errorf("kind %s: %w", kindStr, err)
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	if topics, ok := opts["--topic"].([]string); ok && 0 < len(topics) {
		filter.Tags = nostr.TagMap{
			relay.TagTopic: topics,
		}
	}
	if authors, ok := opts["--author"].([]string); ok && 0 < len(authors) {
		filter.Authors = authors
	}
	if sinceStr, err := opts.String("--since"); err == nil {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			return relay.Filter{}, fmt.Errorf("since %s: %w", sinceStr, err)
		}
		filter.Since = relay.TimestampPointer(since)
	}
	if limit, err := opts.Int("--limit"); err == nil {
		filter.Limit = limit
	}
	return filter, nil
}

// print events as they arrive
func subscribe(opts docopt.Opts) int {
	config, relayUrl, err := loadConfig(opts)
	if err != nil {
		Err.Printf("%s\n", err)
		return 2
	}

	filter, err := subscribeFilter(opts)
	if err != nil {
		Err.Printf("Invalid filter (%s).\n", err)
		return 2
	}

	subscriptionId, err := opts.String("--sub_id")
	if err != nil || subscriptionId == "" {
		subscriptionId = relay.NewSubscriptionId()
	}

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	ctx, cancel := signalContext()
	defer cancel()

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil {
		config.settings.Metrics = relay.NewClientMetrics(relay.DefaultMetricsConfig())
		go serveMetrics(ctx, metricsAddr)
	}
	config.applySubscribeDefaults()

	// the client outlives the signal so that CLOSE can be sent on exit
	client := relay.NewClient(context.Background(), relayUrl, config.settings)
	defer client.Cancel()

	sink := newEventSink(messageCount, cancel)
	err = client.Subscribe(ctx, subscriptionId, []relay.Filter{filter}, sink)
	if err != nil {
		Err.Printf("Could not subscribe (%s).\n", err)
		return 1
	}
	Err.Printf("Subscribed %s to %s (client %s)\n", subscriptionId, relayUrl, client.ClientId())

	<-ctx.Done()
	if err := client.Unsubscribe(subscriptionId); err != nil {
		glog.V(1).Infof("[relayctl]unsubscribe %s error = %s\n", subscriptionId, err)
	}
	return 0
}

type eventSink struct {
	mutex       sync.Mutex
	remaining   int
	cancel      context.CancelFunc
	replayEnded bool
}

func newEventSink(messageCount int, cancel context.CancelFunc) *eventSink {
	return &eventSink{
		remaining: messageCount,
		cancel:    cancel,
	}
}

func (self *eventSink) HandleEvent(subscriptionId string, event *relay.Event) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.remaining == 0 {
		return nil
	}
	printJson(map[string]any{
		"subscription_id": subscriptionId,
		"event":           event,
		"references":      relay.References(event),
		"live":            self.replayEnded,
	})
	if 0 < self.remaining {
		self.remaining -= 1
		if self.remaining == 0 {
			self.cancel()
		}
	}
	return nil
}

func (self *eventSink) HandleEose(subscriptionId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.replayEnded = true
	Err.Printf("End of stored events for %s\n", subscriptionId)
}

func serveMetrics(ctx context.Context, metricsAddr string) {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    metricsAddr,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Printf("Metrics server error (%s).\n", err)
	}
}

// indented when stdout is a terminal, one line per value otherwise
func printJson(value any) {
	var b []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		b, err = json.MarshalIndent(value, "", "    ")
	} else {
		b, err = json.Marshal(value)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		return
	}
	Out.Printf("%s\n", b)
}
