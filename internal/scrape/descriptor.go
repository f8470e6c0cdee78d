package scrape

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors are the CSS selectors of the fields a scrape extracts.
type Selectors struct {
	Price string `yaml:"price" json:"price" doc:"CSS selector of the price element"`
	Title string `yaml:"title" json:"title" doc:"CSS selector of the title element"`
	Image string `yaml:"image" json:"image" doc:"CSS selector of the product image"`
}

// Descriptor describes one target page.
type Descriptor struct {
	Name      string    `yaml:"name" json:"name,omitempty"`
	URL       string    `yaml:"url" json:"url"`
	Selectors Selectors `yaml:"selectors" json:"selectors"`
	// MaxRetries overrides the engine default when positive.
	MaxRetries int `yaml:"max_retries" json:"maxRetries,omitempty"`
	// Target keys the sticky proxy assignment. Defaults to URL.
	Target string `yaml:"target" json:"target,omitempty"`
}

func (d Descriptor) target() string {
	if d.Target != "" {
		return d.Target
	}
	return d.URL
}

// Validate checks that the descriptor can be scraped.
func (d Descriptor) Validate() error {
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid target url %q", d.URL)
	}
	if d.Selectors.Price == "" || d.Selectors.Title == "" || d.Selectors.Image == "" {
		return errors.New("price, title and image selectors are required")
	}
	if d.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	return nil
}

type descriptorFile struct {
	Defaults struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"defaults"`
	Targets []Descriptor `yaml:"targets"`
}

// LoadDescriptors reads a YAML file of targets:
//
//	defaults:
//	  max_retries: 3
//	targets:
//	  - name: widget
//	    url: https://shop.example/widget
//	    selectors: {price: .price, title: h1, image: img.main}
func LoadDescriptors(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("%s: no targets", path)
	}

	for i := range file.Targets {
		d := &file.Targets[i]
		if d.MaxRetries == 0 {
			d.MaxRetries = file.Defaults.MaxRetries
		}
		if err := d.Validate(); err != nil {
			name := d.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("%s: target %s: %w", path, name, err)
		}
	}
	return file.Targets, nil
}
