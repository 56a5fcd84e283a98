package cmd

import (
	"fmt"
	"time"

	"github.com/rubiojr/shopsync/pkg/storage"
)

// formatNumber formats a number with K/M suffixes for readability
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	} else if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	} else {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
}

// formatTime formats a time relative to now or as an absolute date
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	if diff < 24*time.Hour {
		if diff < time.Hour {
			minutes := int(diff.Minutes())
			if minutes < 1 {
				return "just now"
			}
			return fmt.Sprintf("%d minutes ago", minutes)
		}
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	}

	if diff < 7*24*time.Hour {
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	}

	t = t.Local()
	if t.Year() == now.Year() {
		return t.Format("Jan 2, 15:04")
	}
	return t.Format("Jan 2, 2006")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatStats prints database statistics
func formatStats(dbPath string, st *storage.Stats) {
	fmt.Println(titleStyle.Render("Database statistics"))
	fmt.Println(metaStyle.Render(dbPath))
	fmt.Println()
	fmt.Printf("Shops:          %s\n", formatNumber(st.Shops))
	fmt.Printf("Items:          %s\n", formatNumber(st.Items))
	fmt.Printf("History rows:   %s\n", formatNumber(st.HistoryRows))
	fmt.Printf("Orders:         %s\n", formatNumber(st.Orders))
	fmt.Printf("Notifications:  %s", formatNumber(st.Notifications))
	if st.Notifications > 0 {
		fmt.Printf(" (%.1f%% unread)", float64(st.Unread)/float64(st.Notifications)*100)
	}
	fmt.Println()
	fmt.Printf("Size:           %s (%s on disk)\n", formatBytes(st.SizeBytes), formatBytes(storage.FileSize(dbPath)))
}
