// Package fixture loads small clinical datasets from YAML into in-memory
// stores so evaluations can run without a database.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/platform/query"
)

// namespace derives stable ids for records named in a fixture.
var namespace = uuid.MustParse("6f1c2a52-3f0e-4d8a-9b8e-5d3a6c0e7b11")

// File is the YAML layout of a fixture.
type File struct {
	Concepts     []ConceptDef        `yaml:"concepts"`
	Sets         map[string][]string `yaml:"sets"`
	Encounters   []EncounterDef      `yaml:"encounters"`
	Observations []ObservationDef    `yaml:"observations"`
}

type ConceptDef struct {
	ID       string `yaml:"id"`
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Datatype string `yaml:"datatype"`
}

type EncounterDef struct {
	ID       string    `yaml:"id"`
	Patient  string    `yaml:"patient"`
	Datetime time.Time `yaml:"datetime"`
}

// ObservationDef describes one observation. Patient and Datetime default to
// those of the encounter. ValueCoded is a concept code.
type ObservationDef struct {
	ID            string     `yaml:"id"`
	Patient       string     `yaml:"patient"`
	Encounter     string     `yaml:"encounter"`
	Concept       string     `yaml:"concept"`
	Datetime      time.Time  `yaml:"datetime"`
	ValueNumeric  *float64   `yaml:"value_numeric"`
	ValueCoded    string     `yaml:"value_coded"`
	ValueText     *string    `yaml:"value_text"`
	ValueDatetime *time.Time `yaml:"value_datetime"`
}

// Dataset is a loaded fixture.
type Dataset struct {
	Executor   *query.MemoryExecutor
	Dictionary *concept.MemoryDictionary

	patients map[string]uuid.UUID
	names    map[uuid.UUID]string
}

// ID maps a fixture reference to a UUID: literal UUIDs are used as they
// are, anything else is hashed into a stable name-based id.
func ID(ref string) uuid.UUID {
	if id, err := uuid.Parse(ref); err == nil {
		return id
	}
	return uuid.NewSHA1(namespace, []byte(ref))
}

// LoadFile reads a fixture from path.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	ds, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return ds, nil
}

// Load decodes a fixture and builds its stores. Unknown YAML keys are
// rejected.
func Load(r io.Reader) (*Dataset, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return file.Build()
}

// Build resolves references and constructs the in-memory stores.
func (f File) Build() (*Dataset, error) {
	concepts := make([]concept.Concept, 0, len(f.Concepts))
	byCode := make(map[string]uuid.UUID, len(f.Concepts))
	for _, c := range f.Concepts {
		ref := c.ID
		if ref == "" {
			ref = "concept:" + c.Code
		}
		id := ID(ref)
		concepts = append(concepts, concept.Concept{ID: id, Code: c.Code, Name: c.Name, Datatype: c.Datatype})
		byCode[c.Code] = id
	}
	dict, err := concept.NewMemoryDictionary(concepts, f.Sets)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Dictionary: dict,
		patients:   map[string]uuid.UUID{},
		names:      map[uuid.UUID]string{},
	}

	encounters := make([]query.Encounter, 0, len(f.Encounters))
	byRef := make(map[string]query.Encounter, len(f.Encounters))
	for i, e := range f.Encounters {
		if e.ID == "" || e.Patient == "" {
			return nil, fmt.Errorf("encounter %d: id and patient are required", i)
		}
		if _, dup := byRef[e.ID]; dup {
			return nil, fmt.Errorf("duplicate encounter %s", e.ID)
		}
		if e.Datetime.IsZero() {
			return nil, fmt.Errorf("encounter %s: datetime is required", e.ID)
		}
		enc := query.Encounter{ID: ID(e.ID), PatientID: ds.patient(e.Patient), Datetime: e.Datetime}
		byRef[e.ID] = enc
		encounters = append(encounters, enc)
	}

	observations := make([]query.Observation, 0, len(f.Observations))
	for i, o := range f.Observations {
		ref := o.ID
		if ref == "" {
			ref = fmt.Sprintf("obs:%d", i)
		}
		conceptID, ok := byCode[o.Concept]
		if !ok {
			return nil, fmt.Errorf("observation %s: %w: %q", ref, concept.ErrUnknownConcept, o.Concept)
		}
		obs := query.Observation{
			ID:            ID(ref),
			ConceptID:     conceptID,
			ObservedAt:    o.Datetime,
			ValueNumeric:  o.ValueNumeric,
			ValueText:     o.ValueText,
			ValueDatetime: o.ValueDatetime,
		}
		if o.Encounter != "" {
			enc, ok := byRef[o.Encounter]
			if !ok {
				return nil, fmt.Errorf("observation %s: unknown encounter %s", ref, o.Encounter)
			}
			obs.EncounterID = enc.ID
			obs.PatientID = enc.PatientID
			if obs.ObservedAt.IsZero() {
				obs.ObservedAt = enc.Datetime
			}
		}
		if o.Patient != "" {
			pid := ds.patient(o.Patient)
			if o.Encounter != "" && pid != obs.PatientID {
				return nil, fmt.Errorf("observation %s: patient %s does not match encounter %s", ref, o.Patient, o.Encounter)
			}
			obs.PatientID = pid
		}
		if obs.PatientID == uuid.Nil {
			return nil, fmt.Errorf("observation %s: patient or encounter is required", ref)
		}
		if obs.ObservedAt.IsZero() {
			return nil, fmt.Errorf("observation %s: datetime is required", ref)
		}
		if o.ValueCoded != "" {
			answer, ok := byCode[o.ValueCoded]
			if !ok {
				return nil, fmt.Errorf("observation %s value: %w: %q", ref, concept.ErrUnknownConcept, o.ValueCoded)
			}
			obs.ValueCoded = &answer
		}
		observations = append(observations, obs)
	}

	ds.Executor = query.NewMemoryExecutor(encounters, observations)
	return ds, nil
}

func (ds *Dataset) patient(ref string) uuid.UUID {
	if id, ok := ds.patients[ref]; ok {
		return id
	}
	id := ID(ref)
	ds.patients[ref] = id
	ds.names[id] = ref
	return id
}

// PatientID returns the id of the patient named ref in the fixture.
func (ds *Dataset) PatientID(ref string) (uuid.UUID, bool) {
	id, ok := ds.patients[ref]
	return id, ok
}

// PatientName returns the fixture name for id, or its string form.
func (ds *Dataset) PatientName(id uuid.UUID) string {
	if name, ok := ds.names[id]; ok {
		return name
	}
	return id.String()
}

// Patients returns the names of every patient in the fixture, sorted.
func (ds *Dataset) Patients() []string {
	out := make([]string, 0, len(ds.patients))
	for name := range ds.patients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
