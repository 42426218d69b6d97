package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/queue"
	"github.com/harrowgate/fetchcore/internal/task"
)

var addCmd = &cobra.Command{
	Use:     "add <url> [output]",
	Aliases: []string{"enqueue"},
	Short:   "Enqueue a download without starting it",
	Long: `Add a URL to the persisted queue as a Pending task. Nothing is
transferred until "fetchcore run" (or "fetchcore get") admits it.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		dest := resolveDest(args)

		priority, err := parsePriority(cmd)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		checksum, err := parseChecksum(cmd)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		autoRename, _ := cmd.Flags().GetBool("auto-rename")
		headerFlags, _ := cmd.Flags().GetStringArray("task-header")

		coord, bus, err := openCoordinator(cmd, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		id, err := coord.Add(queue.AddOptions{
			URL:        args[0],
			Dest:       dest,
			Priority:   priority,
			Checksum:   checksum,
			AutoRename: autoRename,
			Headers:    parseHeaders(headerFlags),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Printf("Added %s as task %s (pending)\n", args[0], id)
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().String("priority", "normal", "Admission priority: low, normal, or high")
	addCmd.Flags().String("checksum", "", "Expected digest as \"md5:<hex>\" or \"sha256:<hex>\"")
	addCmd.Flags().Bool("auto-rename", false, "Derive a non-colliding filename if the destination exists at admission time")
	addCmd.Flags().StringArray("task-header", nil, "Per-task request header \"Name: Value\" (repeatable, overrides --header)")
}

// resolveDest derives the destination path from an optional second
// argument: a directory (existing or not, joined with the URL's
// basename), or a full file path if it looks like one.
func resolveDest(args []string) string {
	if len(args) == 2 {
		out := args[1]
		if fi, err := os.Stat(out); err == nil && fi.IsDir() {
			return filepath.Join(out, basenameFromURL(args[0]))
		}
		if strings.HasSuffix(out, string(os.PathSeparator)) {
			return filepath.Join(out, basenameFromURL(args[0]))
		}
		return out
	}
	return basenameFromURL(args[0])
}

func basenameFromURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "download"
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

func parsePriority(cmd *cobra.Command) (task.Priority, error) {
	v, _ := cmd.Flags().GetString("priority")
	switch strings.ToLower(v) {
	case "", "normal":
		return task.Normal, nil
	case "low":
		return task.Low, nil
	case "high":
		return task.High, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want low, normal, or high)", v)
	}
}

func parseChecksum(cmd *cobra.Command) (*task.Checksum, error) {
	v, _ := cmd.Flags().GetString("checksum")
	if v == "" {
		return nil, nil
	}
	kind, hex, ok := strings.Cut(v, ":")
	if !ok {
		return nil, fmt.Errorf("checksum must be \"md5:<hex>\" or \"sha256:<hex>\", got %q", v)
	}
	switch strings.ToLower(kind) {
	case "md5":
		return &task.Checksum{Kind: task.MD5, Hex: strings.ToLower(hex)}, nil
	case "sha256":
		return &task.Checksum{Kind: task.SHA256, Hex: strings.ToLower(hex)}, nil
	default:
		return nil, fmt.Errorf("unknown checksum kind %q (want md5 or sha256)", kind)
	}
}
