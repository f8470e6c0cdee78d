package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/acquire/internal/app"
	"github.com/jmylchreest/acquire/internal/scrape"
)

var scrapeFlags struct {
	file       string
	url        string
	name       string
	price      string
	title      string
	image      string
	maxRetries int
	workers    int
}

func init() {
	f := scrapeCmd.Flags()
	f.StringVarP(&scrapeFlags.file, "file", "f", "", "YAML file of targets to scrape.")
	f.StringVar(&scrapeFlags.url, "url", "", "Page to scrape.")
	f.StringVar(&scrapeFlags.name, "name", "", "Label for the target.")
	f.StringVar(&scrapeFlags.price, "price", "", "CSS selector of the price.")
	f.StringVar(&scrapeFlags.title, "title", "", "CSS selector of the title.")
	f.StringVar(&scrapeFlags.image, "image", "", "CSS selector of the main image (optional).")
	f.IntVar(&scrapeFlags.maxRetries, "max-retries", 0, "Attempts per target (default from SCRAPE_MAX_RETRIES).")
	f.IntVar(&scrapeFlags.workers, "workers", 0, "Targets scraped at once (default from SCRAPE_WORKERS).")
	scrapeCmd.MarkFlagsMutuallyExclusive("file", "url")
	scrapeCmd.MarkFlagsOneRequired("file", "url")
	rootCmd.AddCommand(scrapeCmd)
}

// scrapeLine is one target's result as printed.
type scrapeLine struct {
	Name    string          `json:"name,omitempty"`
	URL     string          `json:"url"`
	Outcome *scrape.Outcome `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    scrape.Kind     `json:"kind,omitempty"`
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape (--url <url> --price <sel> --title <sel> [--image <sel>] | --file <targets.yaml>)",
	Short: "Scrapes one page or every target in a file and prints the results as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		descriptors, err := scrapeDescriptors()
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			workers := scrapeFlags.workers
			if workers <= 0 {
				workers = a.Config.ScrapeWorkers
			}

			failed := 0
			for _, r := range a.Engine.ScrapeAll(ctx, descriptors, workers) {
				line := scrapeLine{Name: r.Descriptor.Name, URL: r.Descriptor.URL, Outcome: r.Outcome}
				if r.Err != nil {
					failed++
					line.Error = r.Err.Error()
					line.Kind = scrape.KindOf(r.Err)
				}
				if err := printJSON(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d targets failed", failed, len(descriptors))
			}
			return nil
		})
	},
}

func scrapeDescriptors() ([]scrape.Descriptor, error) {
	if scrapeFlags.file != "" {
		descriptors, err := scrape.LoadDescriptors(scrapeFlags.file)
		if err != nil {
			return nil, err
		}
		if scrapeFlags.maxRetries > 0 {
			for i := range descriptors {
				descriptors[i].MaxRetries = scrapeFlags.maxRetries
			}
		}
		return descriptors, nil
	}

	d := scrape.Descriptor{
		Name: scrapeFlags.name,
		URL:  scrapeFlags.url,
		Selectors: scrape.Selectors{
			Price: scrapeFlags.price,
			Title: scrapeFlags.title,
			Image: scrapeFlags.image,
		},
		MaxRetries: scrapeFlags.maxRetries,
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	return []scrape.Descriptor{d}, nil
}
