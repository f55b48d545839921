package reporting

import (
	"fmt"

	"github.com/ehr/reports/internal/domain/obsperiod"
)

// Concept codes used by the built-in definitions.
const (
	CodeCD4              = "5497"
	CodeTBStatus         = "90216"
	CodeCPTDosage        = "99037"
	CodeNutrition        = "68"
	CodeDead             = "99112"
	CodeTransferredOut   = "90306"
	CodeCurrentRegimen   = "90315"
	CodeAdherence        = "90221"
	CodeARTStartDate     = "99161"
	CodeBaselineWeight   = "99069"
	CodeBaselineCD4      = "99071"
	CodeBaselineWHOStage = "99070"
	CodeStartRegimen     = "99061"
	CodeViralLoad        = "856"
)

// Builtin returns the HIV care definitions.
func Builtin() []Definition {
	return []Definition{
		{
			ID:          "art-quarterly-followup",
			Name:        "ART Quarterly Follow-up",
			Description: "Last CD4, TB, CPT, nutritional and exit status recorded in each of four consecutive quarters",
			Columns: concat(
				quarters("cd4", "CD4", CodeCD4),
				quarters("tb_status", "TB status", CodeTBStatus),
				quarters("cpt", "CPT", CodeCPTDosage),
				quarters("nutrition", "Nutritional status", CodeNutrition),
				quarters("dead", "Dead", CodeDead),
				quarters("transfer_out", "Transferred out", CodeTransferredOut),
			),
		},
		{
			ID:          "art-monthly-register",
			Name:        "ART Monthly Register",
			Description: "Regimen, adherence, CD4 and TB status for the reporting month with ART baseline values",
			Columns: []Column{
				lastInMonth("arv_regimen", "ARV regimen", CodeCurrentRegimen),
				lastInMonth("adherence", "Adherence", CodeAdherence),
				lastInMonth("cd4", "CD4", CodeCD4),
				lastInMonth("tb_status", "TB status", CodeTBStatus),
				baseline("art_start_date", "ART start date", CodeARTStartDate),
				baseline("baseline_weight", "Baseline weight", CodeBaselineWeight),
				baseline("baseline_cd4", "Baseline CD4", CodeBaselineCD4),
				baseline("baseline_who_stage", "Baseline WHO stage", CodeBaselineWHOStage),
				baseline("base_regimen", "Base regimen", CodeStartRegimen),
			},
		},
		{
			ID:          "viral-load-followup",
			Name:        "Viral Load Follow-up",
			Description: "First viral load recorded in the six and twelve months following the reference date",
			Columns: []Column{
				firstOverMonths("viral_load_6m", "Viral load (6 months)", CodeViralLoad, 6),
				firstOverMonths("viral_load_12m", "Viral load (12 months)", CodeViralLoad, 12),
			},
		},
	}
}

// quarters returns LAST-in-quarter columns for offsets 0 to 3.
func quarters(key, name, code string) []Column {
	cols := make([]Column, 0, 4)
	for q := 0; q < 4; q++ {
		cols = append(cols, Column{
			Key:          fmt.Sprintf("%s_q%d", key, q),
			Name:         fmt.Sprintf("%s (quarter %d)", name, q),
			ConceptCode:  code,
			Granularity:  obsperiod.Quarterly,
			Qualifier:    obsperiod.Last,
			PeriodOffset: q,
		})
	}
	return cols
}

func lastInMonth(key, name, code string) Column {
	return Column{Key: key, Name: name, ConceptCode: code, Granularity: obsperiod.Monthly, Qualifier: obsperiod.Last}
}

func baseline(key, name, code string) Column {
	return Column{Key: key, Name: name, ConceptCode: code, Granularity: obsperiod.Monthly, Qualifier: obsperiod.First}
}

func firstOverMonths(key, name, code string, months int) Column {
	return Column{
		Key:          key,
		Name:         name,
		ConceptCode:  code,
		Granularity:  obsperiod.Monthly,
		Qualifier:    obsperiod.First,
		PeriodOffset: months,
	}
}

func concat(groups ...[]Column) []Column {
	var out []Column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
