// The `daemon` verb: serve usage data over HTTP for the dashboard.
//
// The API is read-only and backed by a usage store; the tracker and collector
// keep writing through their own connections.  Every operation is registered
// through huma so the daemon also serves an OpenAPI description at /openapi.json
// and interactive docs at /docs.

package daemon

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
	"github.com/matthiasblum/embl-ebi-hpc-co2/usage"
)

const shutdownTimeout = 10 * time.Second

type DaemonCommand struct {
	cmd.VerboseArgs
	cmd.SingleStoreArg
	Port   int
	Syslog bool
}

func (dc *DaemonCommand) Summary() string {
	return "Serve usage data from a usage store over HTTP"
}

func (dc *DaemonCommand) Add(fs *flag.FlagSet) {
	dc.VerboseArgs.Add(fs)
	fs.IntVar(&dc.Port, "port", 8087, "Listen on this `port`")
	fs.BoolVar(&dc.Syslog, "syslog", false, "Log to syslog instead of stderr")
}

func (dc *DaemonCommand) Validate() error {
	return nil
}

func (dc *DaemonCommand) Perform(stdout, stderr io.Writer) error {
	if dc.Syslog {
		writer, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "co2track")
		if err != nil {
			return err
		}
		common.Log.SetStderr(nil)
		common.Log.SetUnderlying(writer)
	}

	store, err := db.OpenUsageStore(dc.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	mux := http.NewServeMux()
	registerApi(humago.New(mux, huma.DefaultConfig("co2track", "1.0.0")), store)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", dc.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	common.Log.Infof("Listening on port %d", dc.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	common.Log.Infof("Shut down")
	return nil
}

type DateRangeParams struct {
	From string `query:"from" doc:"Start date, YYYY-MM-DD" example:"2024-06-01"`
	To   string `query:"to" doc:"End date (inclusive), YYYY-MM-DD" example:"2024-06-30"`
}

// parse resolves the query dates with the same defaults as the command-line
// reporting verbs: the last 30 days ending today.
func (p *DateRangeParams) parse() (from, to time.Time, err error) {
	today := common.ThisDay(time.Now())
	from = today.AddDate(0, 0, -30)
	to = today
	if p.From != "" {
		if from, err = common.ParseDate(p.From); err != nil {
			return
		}
	}
	if p.To != "" {
		if to, err = common.ParseDate(p.To); err != nil {
			return
		}
	}
	if from.After(to) {
		err = fmt.Errorf("from %s is after to %s", common.FormatDate(from), common.FormatDate(to))
	}
	return
}

type usageRow struct {
	Date      string  `json:"date"`
	User      string  `json:"user"`
	Jobs      int64   `json:"jobs"`
	CpuTime   float64 `json:"cpu_time" doc:"Core-seconds"`
	MemTime   float64 `json:"mem_time" doc:"GB-seconds"`
	EnergyKWh float64 `json:"energy"`
	CO2eKg    float64 `json:"co2e"`
	Cost      float64 `json:"cost"`
}

type teamRow struct {
	Date      string  `json:"date"`
	Team      string  `json:"team"`
	Jobs      float64 `json:"jobs"`
	CpuTime   float64 `json:"cpu_time"`
	MemTime   float64 `json:"mem_time"`
	EnergyKWh float64 `json:"energy"`
	CO2eKg    float64 `json:"co2e"`
	Cost      float64 `json:"cost"`
}

type userRow struct {
	Login    string   `json:"login"`
	Name     string   `json:"name,omitempty"`
	Teams    []string `json:"teams"`
	Position string   `json:"position,omitempty"`
	Sponsor  string   `json:"sponsor,omitempty"`
}

func registerApi(api huma.API, store db.UsageStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-usage",
		Method:      http.MethodGet,
		Path:        "/api/usage",
		Summary:     "Per-user daily usage",
	}, func(ctx context.Context, input *struct {
		DateRangeParams
		User string `query:"user" doc:"Restrict to this login"`
	}) (*struct {
		Body []*usageRow
	}, error) {
		from, to, err := input.parse()
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		rows, err := store.Usage(from, to)
		if err != nil {
			return nil, huma.Error500InternalServerError("usage query failed", err)
		}
		out := make([]*usageRow, 0, len(rows))
		for _, r := range rows {
			if input.User != "" && r.User != input.User {
				continue
			}
			out = append(out, &usageRow{
				Date:      r.Date,
				User:      r.User,
				Jobs:      r.Jobs,
				CpuTime:   r.CpuTime,
				MemTime:   r.MemTime,
				EnergyKWh: r.EnergyKWh,
				CO2eKg:    r.CO2eKg,
				Cost:      r.Cost,
			})
		}
		return &struct{ Body []*usageRow }{out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-teams",
		Method:      http.MethodGet,
		Path:        "/api/teams",
		Summary:     "Per-team daily usage",
	}, func(ctx context.Context, input *struct {
		DateRangeParams
	}) (*struct {
		Body []*teamRow
	}, error) {
		from, to, err := input.parse()
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		rows, err := store.Usage(from, to)
		if err != nil {
			return nil, huma.Error500InternalServerError("usage query failed", err)
		}
		known, err := store.Users()
		if err != nil {
			return nil, huma.Error500InternalServerError("user query failed", err)
		}
		teams := usage.AggregateTeams(rows, known)
		out := make([]*teamRow, 0, len(teams))
		for _, t := range teams {
			out = append(out, &teamRow{
				Date:      t.Date,
				Team:      t.Team,
				Jobs:      t.Jobs,
				CpuTime:   t.CpuTime,
				MemTime:   t.MemTime,
				EnergyKWh: t.EnergyKWh,
				CO2eKg:    t.CO2eKg,
				Cost:      t.Cost,
			})
		}
		return &struct{ Body []*teamRow }{out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-users",
		Method:      http.MethodGet,
		Path:        "/api/users",
		Summary:     "Curated user directory",
	}, func(ctx context.Context, input *struct {
		Team string `query:"team" doc:"Restrict to members of this team"`
	}) (*struct {
		Body []*userRow
	}, error) {
		known, err := store.Users()
		if err != nil {
			return nil, huma.Error500InternalServerError("user query failed", err)
		}
		sort.Slice(known, func(i, j int) bool { return known[i].Login < known[j].Login })
		out := make([]*userRow, 0, len(known))
		for _, u := range known {
			if input.Team != "" && !hasTeam(u.Teams, input.Team) {
				continue
			}
			out = append(out, &userRow{
				Login:    u.Login,
				Name:     u.Name,
				Teams:    u.Teams,
				Position: u.Position,
				Sponsor:  u.Sponsor,
			})
		}
		return &struct{ Body []*userRow }{out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/api/report/{month}",
		Summary:     "Monthly per-user report",
	}, func(ctx context.Context, input *struct {
		Month string `path:"month" doc:"Month on YYYY-MM form" example:"2024-06"`
	}) (*struct {
		Body map[string]json.RawMessage
	}, error) {
		if _, err := time.Parse("2006-01", input.Month); err != nil {
			return nil, huma.Error422UnprocessableEntity(
				fmt.Sprintf("bad month %q, expected YYYY-MM", input.Month))
		}
		payloads, err := store.Reports(input.Month)
		if err != nil {
			return nil, huma.Error500InternalServerError("report query failed", err)
		}
		out := make(map[string]json.RawMessage, len(payloads))
		for login, payload := range payloads {
			out[login] = json.RawMessage(payload)
		}
		return &struct{ Body map[string]json.RawMessage }{out}, nil
	})
}

func hasTeam(teams []string, team string) bool {
	for _, t := range teams {
		if strings.EqualFold(t, team) {
			return true
		}
	}
	return false
}
