package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	case "yml":
		return formatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (table, json, yaml)", format)
	}
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported structured format %q", format)
	}
}

func writeResponses(w io.Writer, format string, rows []models.DomainCheckResponse) error {
	if format != formatTable {
		return writeStructured(w, format, rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No domains to report.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tALERT\tDAYS\tEXPIRES\tCHECKED\tERROR")
	for _, r := range rows {
		days := "-"
		if r.DaysUntilExpiry != nil {
			days = fmt.Sprintf("%d", *r.DaysUntilExpiry)
		}
		expires := "-"
		if r.ExpiryDate != nil {
			expires = r.ExpiryDate.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if r.Error != nil {
			errMsg = truncate(*r.Error, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Domain, r.AlertLevel, days, expires, r.LastChecked.UTC().Format(time.RFC3339), errMsg)
	}
	return tw.Flush()
}

func writeHistory(w io.Writer, format string, page *models.HistoryResponse) error {
	if format != formatTable {
		return writeStructured(w, format, page)
	}
	fmt.Fprintf(w, "History for %s (page %d of %d, %d checks)\n", page.Domain, page.Page+1, maxPages(page.TotalPages), page.TotalItems)
	return writeResponses(w, format, page.Items)
}

// summarize counts rows per alert level, most severe first.
func summarize(w io.Writer, rows []models.DomainCheckResponse) {
	counts := make(map[models.AlertLevel]int)
	for _, r := range rows {
		counts[r.AlertLevel]++
	}
	levels := models.AllAlertLevels()
	parts := make([]string, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		if n := counts[levels[i]]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", levels[i], n))
		}
	}
	fmt.Fprintf(w, "\n%d domain(s): %s\n", len(rows), strings.Join(parts, " "))
}

// worstLevel is the most severe alert level among rows, AlertOK when empty.
func worstLevel(rows []models.DomainCheckResponse) models.AlertLevel {
	worst := models.AlertOK
	for _, r := range rows {
		if r.AlertLevel.Severity() > worst.Severity() {
			worst = r.AlertLevel
		}
	}
	return worst
}

func parseAlertLevel(s string) (models.AlertLevel, error) {
	want := models.AlertLevel(strings.ToUpper(strings.TrimSpace(s)))
	for _, level := range models.AllAlertLevels() {
		if level == want {
			return level, nil
		}
	}
	return "", fmt.Errorf("unknown alert level %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func maxPages(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
