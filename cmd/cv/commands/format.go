package commands

import (
	"fmt"
	"strings"

	"chunkvault/pkg/refs"
	"chunkvault/pkg/remote"
	"chunkvault/pkg/tree"
)

func shortBranch(name string) string {
	return strings.TrimPrefix(name, refs.HeadsPrefix)
}

func fmtBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printChanges(changes []tree.Change) {
	for _, c := range changes {
		switch c.Op {
		case tree.Added:
			fmt.Printf("  \033[32m%s  %s\033[0m\n", c.Op, c.Path)
		case tree.Removed:
			fmt.Printf("  \033[31m%s  %s\033[0m\n", c.Op, c.Path)
		default:
			fmt.Printf("  \033[33m%s  %s\033[0m\n", c.Op, c.Path)
		}
	}
}

func printResult(res *remote.Result) {
	if res == nil {
		return
	}
	if res.UpToDate() && len(res.Updated) == 0 {
		fmt.Println("✅ Already up to date.")
	} else {
		fmt.Printf("📦 Objects: %d sent, %d received | Bytes: %s sent, %s received | Attempts: %d\n",
			res.ObjectsSent, res.ObjectsReceived, fmtBytes(res.BytesSent), fmtBytes(res.BytesReceived), res.Attempts)
	}
	for _, name := range res.Updated {
		fmt.Printf("   ✅ %s\n", name)
	}
	for _, r := range res.Rejected {
		fmt.Printf("   ❌ %s\n", r)
	}
	for _, name := range res.Diverged {
		fmt.Printf("   ⚠️  %s has diverged from the remote; not fast-forwarded\n", name)
	}
}
