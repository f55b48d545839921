package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/reports/internal/config"
	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/domain/obsperiod"
	"github.com/ehr/reports/internal/domain/reporting"
	"github.com/ehr/reports/internal/fixture"
	"github.com/ehr/reports/internal/platform/db"
	"github.com/ehr/reports/internal/platform/query"
)

type evalOptions struct {
	concept     string
	answers     []string
	date        string
	granularity string
	offset      int
	qualifier   string
	patients    []string
	report      string
	fixture     string
	tenant      string
}

func evaluateCmd() *cobra.Command {
	var opts evalOptions
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one observation definition or report and print JSON",
		Example: `  report-server evaluate --fixture clinic.yaml --concept 5497 --date 2024-04-15 --granularity QUARTERLY --qualifier LAST
  report-server evaluate --tenant acme --report art-quarterly-followup --date 2024-04-15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			return runEvaluate(cmd.Context(), cfg, opts, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.concept, "concept", "", "Concept code of the observation question (empty: any concept)")
	f.StringSliceVar(&opts.answers, "answers", nil, "Accepted coded answers (concept or concept set codes)")
	f.StringVar(&opts.date, "date", "", "Reference date, YYYY-MM-DD")
	f.StringVar(&opts.granularity, "granularity", string(obsperiod.Quarterly), "MONTHLY, QUARTERLY or NONE")
	f.IntVar(&opts.offset, "offset", 0, "Period offset")
	f.StringVar(&opts.qualifier, "qualifier", string(obsperiod.Last), "FIRST, LAST or ANY")
	f.StringSliceVar(&opts.patients, "patients", nil, "Restrict to these patient ids (fixture patient names are accepted)")
	f.StringVar(&opts.report, "report", "", "Evaluate a report definition instead of a single concept")
	f.StringVar(&opts.fixture, "fixture", "", "YAML fixture to evaluate against instead of the database")
	f.StringVar(&opts.tenant, "tenant", "", "Tenant to evaluate in (default DEFAULT_TENANT)")
	cmd.MarkFlagRequired("date")
	return cmd
}

// source is where an offline or database evaluation reads from.
type source struct {
	exec    query.Executor
	dict    concept.Dictionary
	patient func(ref string) (uuid.UUID, error)
	label   func(id uuid.UUID) string
	close   func()
}

func openFixture(path string) (*source, error) {
	ds, err := fixture.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &source{
		exec: ds.Executor,
		dict: ds.Dictionary,
		patient: func(ref string) (uuid.UUID, error) {
			if id, ok := ds.PatientID(ref); ok {
				return id, nil
			}
			return uuid.Parse(ref)
		},
		label: ds.PatientName,
		close: func() {},
	}, nil
}

// openDatabase binds a tenant connection to the returned context.
func openDatabase(ctx context.Context, cfg *config.Config, tenant string, logger zerolog.Logger) (context.Context, *source, error) {
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return ctx, nil, err
	}
	ctx, release, err := db.UseTenant(ctx, pool, tenant)
	if err != nil {
		pool.Close()
		return ctx, nil, err
	}
	dict, closeDict := conceptDictionary(ctx, cfg, concept.NewRepo(pool), logger)
	return ctx, &source{
		exec:    query.NewPGExecutor(pool),
		dict:    dict,
		patient: uuid.Parse,
		label:   uuid.UUID.String,
		close: func() {
			closeDict()
			release()
			pool.Close()
		},
	}, nil
}

type evaluationOutput struct {
	Window  obsperiod.Window `json:"window"`
	Results []resultOutput   `json:"results"`
}

type resultOutput struct {
	Patient     string    `json:"patient"`
	Value       any       `json:"value"`
	ObservedAt  time.Time `json:"observed_at"`
	EncounterID uuid.UUID `json:"encounter_id"`
}

type reportOutput struct {
	Definition    string      `json:"definition"`
	ReferenceDate string      `json:"reference_date"`
	Columns       []string    `json:"columns"`
	Rows          []rowOutput `json:"rows"`
}

type rowOutput struct {
	Patient string         `json:"patient"`
	Values  map[string]any `json:"values"`
}

func runEvaluate(ctx context.Context, cfg *config.Config, opts evalOptions, logger zerolog.Logger, out io.Writer) error {
	ref, err := time.Parse(time.DateOnly, opts.date)
	if err != nil {
		return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}

	var src *source
	if opts.fixture != "" {
		src, err = openFixture(opts.fixture)
	} else {
		ctx, src, err = openDatabase(ctx, cfg, opts.tenant, logger)
	}
	if err != nil {
		return err
	}
	defer src.close()

	var patientIDs []uuid.UUID
	if opts.patients != nil {
		patientIDs = make([]uuid.UUID, 0, len(opts.patients))
		for _, ref := range opts.patients {
			id, err := src.patient(strings.TrimSpace(ref))
			if err != nil {
				return fmt.Errorf("patient %q: %w", ref, err)
			}
			patientIDs = append(patientIDs, id)
		}
	}

	svc, err := newService(cfg, src.exec, src.dict, obsperiod.SystemClock{}, logger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if opts.report != "" {
		catalog := reporting.NewCatalog(svc)
		def, ok := catalog.Find(opts.report)
		if !ok {
			return fmt.Errorf("%w: %s", reporting.ErrUnknownDefinition, opts.report)
		}
		data, err := catalog.Evaluate(ctx, def.ID, ref, patientIDs)
		if err != nil {
			return err
		}
		result := reportOutput{Definition: def.ID, ReferenceDate: opts.date, Rows: []rowOutput{}}
		for _, col := range def.Columns {
			result.Columns = append(result.Columns, col.Key)
		}
		for _, row := range data.Rows() {
			result.Rows = append(result.Rows, rowOutput{Patient: src.label(row.PatientID), Values: row.Values})
		}
		return enc.Encode(result)
	}

	p := obsperiod.Params{
		ConceptCode:   opts.concept,
		AnswerCodes:   opts.answers,
		ReferenceDate: ref,
		Granularity:   obsperiod.Granularity(strings.ToUpper(opts.granularity)),
		PeriodOffset:  opts.offset,
		Qualifier:     obsperiod.Qualifier(strings.ToUpper(opts.qualifier)),
		PatientIDs:    patientIDs,
	}
	window, err := svc.Window(p)
	if err != nil {
		return err
	}
	mapping, err := svc.EvaluateDetailed(ctx, p)
	if err != nil {
		return err
	}

	result := evaluationOutput{Window: window, Results: []resultOutput{}}
	for _, pid := range mapping.PatientIDs() {
		obs := mapping[pid].Observation
		result.Results = append(result.Results, resultOutput{
			Patient:     src.label(pid),
			Value:       obs.Value.Interface(),
			ObservedAt:  obs.ObservedAt,
			EncounterID: obs.EncounterID,
		})
	}
	return enc.Encode(result)
}
