package services

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// PrintSummary writes a human-readable summary of a load to w.
func PrintSummary(w io.Writer, r *RunResult) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  LISTING HISTORY LOAD\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	if b := r.Batch; b != nil {
		fmt.Fprintf(w, "\033[1;33m  Ingestion (run %s)\033[0m\n", b.RunID)
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  Records         : \033[1m%d\033[0m (%d unreadable rows)\n", b.Records, len(r.RowErrors))
		fmt.Fprintf(w, "  Listings        : \033[1m%d\033[0m\n", b.Listings)
		fmt.Fprintf(w, "  Versions opened : \033[1;32m%d\033[0m\n", b.VersionsOpened)
		fmt.Fprintf(w, "  Versions closed : \033[1;32m%d\033[0m\n", b.VersionsClosed)
		fmt.Fprintf(w, "  Unchanged       : %d\n", b.NoOp)
		fmt.Fprintf(w, "  Replayed (old)  : %d\n", b.Replayed)
		fmt.Fprintf(w, "  Rejected        : \033[1;31m%d\033[0m\n", b.Rejected)
		fmt.Fprintln(w)

		if len(b.Rejections) > 0 {
			byKind := make(map[string]int)
			for _, rj := range b.Rejections {
				byKind[rj.Kind]++
			}
			kinds := make([]string, 0, len(byKind))
			for k := range byKind {
				kinds = append(kinds, k)
			}
			sort.Slice(kinds, func(i, j int) bool { return byKind[kinds[i]] > byKind[kinds[j]] })

			fmt.Fprintf(w, "\033[1;33m  Rejections by kind\033[0m\n")
			fmt.Fprintf(w, "  %s\n", thin)
			for _, k := range kinds {
				fmt.Fprintf(w, "  %-30s %d\n", truncate(k, 28), byKind[k])
			}
			fmt.Fprintln(w)
		}
	}

	if q := r.Quality; q != nil {
		m := q.Metrics
		fmt.Fprintf(w, "\033[1;33m  Data quality (%s)\033[0m\n", m.MetricDate.Format("2006-01-02"))
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  Current listings : \033[1m%d\033[0m\n", m.TotalCurrent)
		fmt.Fprintf(w, "  Price p50 / p95  : %s / %s\n", fmtFloat(m.P50Price), fmtFloat(m.P95Price))
		fmt.Fprintf(w, "  Area p50 / p95   : %s / %s\n", fmtFloat(m.P50Area), fmtFloat(m.P95Area))
		fmt.Fprintf(w, "  Zip5 coverage    : %s\n", fmtPercent(m.Zip5Coverage))
		fmt.Fprintf(w, "  Terrace area set : %d\n", m.TerraceAreaNonNull)
		fmt.Fprintf(w, "  Descriptions     : %d\n", m.DescriptionNonEmpty)
		fmt.Fprintf(w, "  Rule violations  : %d\n", len(q.Violations))
		fmt.Fprintln(w)

		if q.Passed() {
			fmt.Fprintf(w, "  \033[1;32mData quality passed\033[0m\n")
		} else {
			fmt.Fprintf(w, "  \033[1;31mData quality issues detected:\033[0m\n")
			for _, issue := range q.Issues {
				fmt.Fprintf(w, "   - %s\n", issue)
			}
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", round2(*v))
}

func fmtPercent(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
