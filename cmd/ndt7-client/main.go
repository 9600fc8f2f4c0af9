// Command ndt7-client runs an ndt7 measurement and prints its results.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt7-client/internal/persistence"
	"github.com/m-lab/ndt7-client/pkg/client"
	"github.com/m-lab/ndt7-client/pkg/locator"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
	"github.com/m-lab/ndt7-client/pkg/results"
	"github.com/m-lab/ndt7-client/pkg/version"
)

const clientName = "ndt7-client"

var clientVersion = version.Version

var (
	flagServer     = flag.String("server", "", "Server base URL, e.g. https://host. If empty, the server is located")
	flagLocateURL  = flag.String("locate.url", spec.DefaultLocateURL, "Legacy locate API URL")
	flagLocateV2   = flag.Bool("locate.v2", false, "Use the Locate v2 API instead of the legacy one")
	flagDataPolicy = flag.Bool("accept-data-policy", false, "Accept the M-Lab data policy (https://www.measurementlab.net/privacy/)")
	flagRoundTrip  = flag.Bool("roundtrip", false, "Run the round-trip subtest after the upload")
	flagTimeout    = flag.Duration("timeout", spec.DefaultTimeout, "Hard timeout of each subtest")
	flagNoVerify   = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagFormat     = flagx.Enum{
		Options: []string{"human", "json"},
		Value:   "human",
	}
	flagDataDir = flag.String("datadir", "", "If set, directory to save the final report in")
	flagMetrics = flag.Bool("metrics", false, "Serve Prometheus metrics while running")
	flagDebug   = flag.Bool("debug", false, "Enable debug logging")
)

func init() {
	flag.Var(&flagFormat, "format", "Output format (human or json)")
}

func newEmitter() client.Emitter {
	if flagFormat.Value == "json" {
		return client.JSON{}
	}
	return client.HumanReadable{Debug: *flagDebug}
}

func newLocator() locator.Locator {
	ua := clientName + "/" + clientVersion
	var l locator.Locator = &locator.Legacy{URL: *flagLocateURL, UserAgent: ua}
	if *flagLocateV2 {
		l = locator.NewV2(ua)
	}
	return locator.NewCached(l, locator.DefaultCacheTTL)
}

func run() int {
	if *flagMetrics {
		promSrv := prometheusx.MustServeMetrics()
		defer promSrv.Close()
	}
	mid := uuid.NewString()
	e := newEmitter()
	agg := results.NewAggregator(clientName, clientVersion, nil)
	agg.Annotate("measurement_id", mid)

	cb := client.CallbacksFromEmitter(e, func(m model.Measurement) {
		if err := agg.Update(m); err != nil {
			log.Debug("measurement not aggregated", "err", err)
		}
	})
	cb.OnTestComplete = func(o model.Outcome) {
		if o.Failed() {
			agg.SetFailure(o.Error)
		}
		e.OnTestComplete(o)
	}
	c := client.New(clientName, clientVersion, client.Config{
		ServerBaseURL:      *flagServer,
		Locator:            newLocator(),
		DataPolicyAccepted: *flagDataPolicy,
		RoundTrip:          *flagRoundTrip,
		Timeout:            *flagTimeout,
		NoVerify:           *flagNoVerify,
		Callbacks:          cb,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	outcomes, err := c.Start(ctx)
	if err != nil {
		e.OnError(err)
		return 1
	}
	report := agg.End()
	e.OnSummary(report)

	if *flagDataDir != "" {
		tests := make([]string, 0, len(outcomes))
		for _, o := range outcomes {
			tests = append(tests, string(o.Test))
		}
		df, err := persistence.WriteDataFile(*flagDataDir, results.TestName, strings.Join(tests, "-"), mid, report)
		if err != nil {
			log.Error("cannot save the report", "err", err)
			return 1
		}
		log.Info("report saved", "path", df.Path, "size", df.Size)
	}
	for _, o := range outcomes {
		if o.Failed() {
			return 1
		}
	}
	return 0
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment variables")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	os.Exit(run())
}
