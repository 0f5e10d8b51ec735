package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/sourcesync/internal/api"
	"github.com/kalambet/sourcesync/internal/config"
	"github.com/kalambet/sourcesync/internal/retrieval"
	"github.com/kalambet/sourcesync/internal/scheduler"
	"github.com/kalambet/sourcesync/internal/storage"
)

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage data sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <type> <name> [url]",
	Short: "Register a data source",
	Long: `Register a data source. Type is one of WEBPAGE, WEB_CRAWL, REMOTE_FILE,
YOUTUBE or FILE.

Examples:
  sourcesync sources add WEBPAGE "Go FAQ" https://go.dev/doc/faq
  sourcesync sources add WEB_CRAWL "Go blog" https://go.dev --schedule WEEKLY
  sourcesync sources add YOUTUBE "Talk" https://youtu.be/abc123`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildCreateRequest(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/data-sources", req)
		if err != nil {
			return err
		}

		var ds storage.DataSource
		if err := decodeJSON(resp, &ds); err != nil {
			return err
		}
		printSuccess("Created data source %s", ds.ID)
		return nil
	},
}

func buildCreateRequest(cmd *cobra.Command, args []string) (api.CreateDataSourceRequest, error) {
	req := api.CreateDataSourceRequest{
		Type:     strings.ToUpper(args[0]),
		Name:     args[1],
		Metadata: map[string]any{},
	}
	if len(args) == 3 {
		req.URL = args[2]
	}
	if req.URL == "" && req.Type != string(storage.TypeFile) {
		return req, fmt.Errorf("a url is required for %s data sources", req.Type)
	}

	schedule, _ := cmd.Flags().GetString("schedule")
	if schedule != "" {
		if !scheduler.Schedule(schedule).Valid() {
			return req, fmt.Errorf("unknown schedule %q (want DAILY, WEEKLY or MONTHLY)", schedule)
		}
		req.Metadata[scheduler.MetaSyncSchedule] = strings.ToUpper(schedule)
	}
	pairs, _ := cmd.Flags().GetStringToString("meta")
	for k, v := range pairs {
		req.Metadata[k] = v
	}
	return req, nil
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/data-sources?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}

		var sources []storage.DataSource
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No data sources.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tNAME\tDOCS\tLAST SYNC")
		for _, ds := range sources {
			last := ds.LastManualSync
			if ds.LastAutomaticSync != nil && (last == nil || ds.LastAutomaticSync.After(*last)) {
				last = ds.LastAutomaticSync
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", ds.ID, ds.Type, ds.Name, ds.NumberOfDocuments, formatTime(last))
		}
		return tw.Flush()
	},
}

var sourcesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a data source as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/data-sources/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var ds storage.DataSource
		if err := decodeJSON(resp, &ds); err != nil {
			return err
		}
		return printJSON(ds)
	},
}

func init() {
	sourcesAddCmd.Flags().String("schedule", "", "automatic sync schedule: DAILY, WEEKLY or MONTHLY")
	sourcesAddCmd.Flags().StringToString("meta", nil, "extra metadata as key=value pairs")
	sourcesListCmd.Flags().Int("limit", 20, "maximum number of data sources")
	sourcesListCmd.Flags().Int("offset", 0, "number of data sources to skip")

	sourcesCmd.AddCommand(sourcesAddCmd, sourcesListCmd, sourcesShowCmd)
}

// --- sync / crawl ---

var syncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Re-index a data source now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Syncing %s", args[0])
		resp, err := client.post(cmd.Context(), "/data-sources/"+url.PathEscape(args[0])+"/sync", nil)
		if err != nil {
			return err
		}

		var ds storage.DataSource
		if err := decodeJSON(resp, &ds); err != nil {
			return err
		}
		if ds.Type == storage.TypeWebCrawl {
			printSuccess("Crawl of %s dispatched; pages are indexed in the background", ds.Name)
			return nil
		}
		printSuccess("Synced %s (%d documents)", ds.Name, ds.NumberOfDocuments)
		return nil
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <id>",
	Short: "Crawl the sitemaps of a WEB_CRAWL data source",
	Long: `Crawl the sitemaps of a WEB_CRAWL data source and queue every matching page.

Examples:
  sourcesync crawl 3f2a... --path-regex 'blog/.*'
  sourcesync crawl 3f2a... --url https://example.com/sitemap.xml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawURL, _ := cmd.Flags().GetString("url")
		pathRegex, _ := cmd.Flags().GetString("path-regex")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Discovering pages")
		resp, err := client.post(cmd.Context(), "/data-sources/"+url.PathEscape(args[0])+"/crawl", api.CrawlRequest{
			URL:       rawURL,
			PathRegex: pathRegex,
		})
		if err != nil {
			return err
		}

		var op storage.IndexOperation
		if err := decodeJSON(resp, &op); err != nil {
			return err
		}
		printOperationSummary(op)
		return nil
	},
}

func init() {
	crawlCmd.Flags().String("url", "", "site or sitemap URL (defaults to the data source URL)")
	crawlCmd.Flags().String("path-regex", "", "only index pages whose path matches this expression")
}

// --- operations ---

var operationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "Inspect index operations",
}

var operationsListCmd = &cobra.Command{
	Use:   "list <data-source-id>",
	Short: "List recent index operations of a data source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/data-sources/%s/operations?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}

		var ops []storage.IndexOperation
		if err := decodeJSON(resp, &ops); err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tPROGRESS")
		for _, op := range ops {
			started := op.CreatedAt
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.ID, colorize(statusColor(op.Status), string(op.Status)),
				formatTime(&started), progressLabel(op))
		}
		return tw.Flush()
	},
}

var operationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an index operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/operations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var op storage.IndexOperation
		if err := decodeJSON(resp, &op); err != nil {
			return err
		}
		if asJSON {
			return printJSON(op)
		}
		printOperationSummary(op)
		return nil
	},
}

func init() {
	operationsListCmd.Flags().Int("limit", 10, "maximum number of operations")
	operationsShowCmd.Flags().Bool("json", false, "print the raw operation JSON")
	operationsCmd.AddCommand(operationsListCmd, operationsShowCmd)
}

// progressLabel renders how many URLs of a crawl have been reported.
func progressLabel(op storage.IndexOperation) string {
	total := storage.IntValue(op.Metadata, storage.MetaTotalURLs)
	if total == 0 {
		return "-"
	}
	done := len(storage.StringList(op.Metadata, storage.MetaSucceededURLs)) +
		len(storage.StringList(op.Metadata, storage.MetaFailedURLs))
	return fmt.Sprintf("%d/%d", done, total)
}

func printOperationSummary(op storage.IndexOperation) {
	printStatus("Operation", "%s", op.ID)
	printStatus("Status", "%s", colorize(statusColor(op.Status), string(op.Status)))
	if total := storage.IntValue(op.Metadata, storage.MetaTotalURLs); total > 0 {
		printStatus("URLs", "%s (%d failed)", progressLabel(op), len(storage.StringList(op.Metadata, storage.MetaFailedURLs)))
	}
	if n := storage.IntValue(op.Metadata, storage.MetaDocumentCount); n > 0 {
		printStatus("Documents", "%d", n)
	}
	for _, msg := range op.ErrorMessages {
		printWarning("%s", msg)
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantically search the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		source, _ := cmd.Flags().GetString("source")

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		q.Set("k", fmt.Sprint(limit))
		if source != "" {
			q.Set("dataSourceId", source)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var chunks []retrieval.ContextChunk
		if err := decodeJSON(resp, &chunks); err != nil {
			return err
		}
		if len(chunks) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for i, c := range chunks {
			fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("%d. [%.2f]", i+1, c.Score)), c.URL)
			fmt.Printf("   %s\n\n", truncate(c.Text, 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("source", "", "restrict results to one data source ID")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

