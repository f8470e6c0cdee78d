// Package models defines API request and response types.
package models

// Selectors names the elements a scrape extracts.
type Selectors struct {
	Price string `json:"price" minLength:"1" doc:"CSS selector of the price element"`
	Title string `json:"title" minLength:"1" doc:"CSS selector of the title element"`
	Image string `json:"image" minLength:"1" doc:"CSS selector of the product image"`
}

// ScrapeRequest asks for one page to be scraped.
type ScrapeRequest struct {
	URL        string    `json:"url" format:"uri" doc:"Target page URL"`
	Name       string    `json:"name,omitempty" doc:"Optional label echoed in logs"`
	Selectors  Selectors `json:"selectors"`
	MaxRetries int       `json:"maxRetries,omitempty" minimum:"0" maximum:"10" doc:"Attempts before giving up (default from server config)"`
	// Target keys the sticky proxy binding; pages of one shop can share a
	// proxy by sending the same target.
	Target      string `json:"target,omitempty" doc:"Sticky proxy key (defaults to the URL)"`
	IncludeHTML bool   `json:"includeHtml,omitempty" doc:"Return the rendered page HTML"`
}

// QuotaRequest spends units of the third-party call budget.
type QuotaRequest struct {
	Wait bool `json:"wait,omitempty" doc:"Wait for the window to reset instead of failing"`
}
