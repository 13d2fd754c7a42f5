package wakatime

import (
	"cmp"
	"slices"

	"github.com/goccy/go-json"
)

// SummariesResponse mirrors GET /users/current/summaries.
type SummariesResponse struct {
	Data            []json.RawMessage `json:"data"`
	CumulativeTotal Total             `json:"cumulative_total"`
	DailyAverage    Total             `json:"daily_average"`
	Start           string            `json:"start"`
	End             string            `json:"end"`
}

// Total is a duration as WakaTime reports it.
type Total struct {
	Seconds float64 `json:"seconds"`
	Text    string  `json:"text"`
}

type daySummary struct {
	GrandTotal struct {
		TotalSeconds float64 `json:"total_seconds"`
		Text         string  `json:"text"`
	} `json:"grand_total"`
	Languages []Item `json:"languages"`
	Projects  []Item `json:"projects"`
	Editors   []Item `json:"editors"`
	Range     struct {
		Date string `json:"date"`
	} `json:"range"`
}

// Item is one named entry (language, project, editor) with its time.
type Item struct {
	Name         string  `json:"name"`
	TotalSeconds float64 `json:"total_seconds"`
	Percent      float64 `json:"percent"`
}

// Day is the total for one calendar day.
type Day struct {
	Date         string  `json:"date"`
	TotalSeconds float64 `json:"total_seconds"`
	Text         string  `json:"text"`
}

// Weekly is the payload cached under "last_7_days". It is computed from
// daily summaries, which are exact, rather than the stats endpoint, which
// WakaTime recomputes lazily.
type Weekly struct {
	Start               string  `json:"start"`
	End                 string  `json:"end"`
	TotalSeconds        float64 `json:"total_seconds"`
	Text                string  `json:"text"`
	DailyAverageSeconds float64 `json:"daily_average_seconds"`
	Days                []Day   `json:"days"`
	Languages           []Item  `json:"languages"`
	Projects            []Item  `json:"projects"`
	Editors             []Item  `json:"editors"`
}

// Today returns the first day's summary, or an empty object when WakaTime
// returned no days.
func (r *SummariesResponse) Today() json.RawMessage {
	if len(r.Data) == 0 {
		return json.RawMessage(`{}`)
	}
	return r.Data[0]
}

// Weekly folds the daily summaries into one Weekly payload.
func (r *SummariesResponse) Weekly() (*Weekly, error) {
	w := &Weekly{
		Start:               r.Start,
		End:                 r.End,
		TotalSeconds:        r.CumulativeTotal.Seconds,
		Text:                r.CumulativeTotal.Text,
		DailyAverageSeconds: r.DailyAverage.Seconds,
		Days:                make([]Day, 0, len(r.Data)),
	}

	languages := map[string]float64{}
	projects := map[string]float64{}
	editors := map[string]float64{}
	var sum float64

	for _, raw := range r.Data {
		var d daySummary
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		w.Days = append(w.Days, Day{Date: d.Range.Date, TotalSeconds: d.GrandTotal.TotalSeconds, Text: d.GrandTotal.Text})
		sum += d.GrandTotal.TotalSeconds
		accumulate(languages, d.Languages)
		accumulate(projects, d.Projects)
		accumulate(editors, d.Editors)
	}

	if w.TotalSeconds == 0 {
		w.TotalSeconds = sum
	}
	w.Languages = ranked(languages, w.TotalSeconds)
	w.Projects = ranked(projects, w.TotalSeconds)
	w.Editors = ranked(editors, w.TotalSeconds)
	return w, nil
}

func accumulate(into map[string]float64, items []Item) {
	for _, it := range items {
		into[it.Name] += it.TotalSeconds
	}
}

func ranked(totals map[string]float64, grand float64) []Item {
	out := make([]Item, 0, len(totals))
	for name, secs := range totals {
		it := Item{Name: name, TotalSeconds: secs}
		if grand > 0 {
			it.Percent = secs / grand * 100
		}
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b Item) int {
		if c := cmp.Compare(b.TotalSeconds, a.TotalSeconds); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
