package exporter

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/types"
)

// PrintObject 打印一个对象的结构。块只打印大小，内容请用 ExportFile。
func (e *Exporter) PrintObject(ctx context.Context, id types.Hash, w io.Writer) error {
	raw, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	obj, err := core.Decode(e.alg, raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	if obj.ID() != id {
		return fmt.Errorf("object %s hashes to %s", id.Short(), obj.ID().Short())
	}

	switch o := obj.(type) {
	case *core.Commit:
		printCommit(o, w)
	case *core.Tree:
		return printTree(o, w)
	case *core.FileNode:
		printFileNode(o, w)
	case *core.Chunk:
		fmt.Fprintf(w, "Type: Chunk (Raw Data)\nSize: %s\n", fmtSize(o.Size()))
		fmt.Fprintf(w, "(Raw binary data not shown, use 'cv cat -p <path>' to print file contents)\n")
	}
	return nil
}

func printCommit(c *core.Commit, w io.Writer) {
	fmt.Fprintf(w, "Type:    Commit\n")
	fmt.Fprintf(w, "Hash:    %s\n", c.ID())
	fmt.Fprintf(w, "Tree:    %s\n", c.Tree())
	for _, p := range c.ParentIDs() {
		fmt.Fprintf(w, "Parent:  %s\n", p)
	}
	fmt.Fprintf(w, "Author:  %s\n", c.Author)
	fmt.Fprintf(w, "Time:    %s\n", c.Time().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "\n%s\n", c.Message)
}

func printTree(t *core.Tree, w io.Writer) error {
	fmt.Fprintf(w, "Type: Tree\n\n")
	// 模拟 git ls-tree 的输出格式
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "MODE\tKIND\tHASH\tSIZE\tNAME\n")
	for _, e := range t.Entries {
		fmt.Fprintf(tw, "%04o\t%s\t%s\t%s\t%s\n", e.Kind.FileMode().Perm(), e.Kind, e.Hash.Hash.Short(), fmtSize(e.Size), e.Name)
	}
	return tw.Flush()
}

func printFileNode(f *core.FileNode, w io.Writer) {
	fmt.Fprintf(w, "Type:      FileNode\n")
	fmt.Fprintf(w, "TotalSize: %s\n", fmtSize(f.TotalSize))
	fmt.Fprintf(w, "Chunks:    %d\n", len(f.Chunks))
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
