// Package messages holds the chat strings shown to users.
//
// Defaults are embedded from messages.yaml. An optional override file uses
// the same keys; keys it omits keep their default.
package messages

import (
	_ "embed"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultCatalog []byte

// Labels are the reply keyboard buttons. Pressing one sends its text.
type Labels struct {
	List   string `yaml:"list"`
	Add    string `yaml:"add"`
	Delete string `yaml:"delete"`
	Reboot string `yaml:"reboot"`
	Cancel string `yaml:"cancel"`
	Yes    string `yaml:"yes"`
	No     string `yaml:"no"`
}

// Catalog is the full set of user-facing strings. Fields documented with an
// argument are format strings taking exactly one %s.
type Catalog struct {
	Labels   Labels   `yaml:"labels"`
	YesWords []string `yaml:"yes_words"`
	NoWords  []string `yaml:"no_words"`

	AccessDenied string `yaml:"access_denied"`
	Start        string `yaml:"start"`
	Help         string `yaml:"help"`
	Unknown      string `yaml:"unknown"`

	AddPrompt       string `yaml:"add_prompt"`
	DeletePrompt    string `yaml:"delete_prompt"`
	RebootPrompt    string `yaml:"reboot_prompt"`
	InvalidDomain   string `yaml:"invalid_domain"`
	InvalidAnswer   string `yaml:"invalid_answer"`
	Cancelled       string `yaml:"cancelled"`
	NothingToCancel string `yaml:"nothing_to_cancel"`

	AddProgress string `yaml:"add_progress" args:"1"` // domain
	Added       string `yaml:"added" args:"1"`        // domain
	AddFailed   string `yaml:"add_failed" args:"1"`   // diagnostic

	DeleteProgress string `yaml:"delete_progress" args:"1"` // domain
	Deleted        string `yaml:"deleted" args:"1"`         // domain
	NotInList      string `yaml:"not_in_list" args:"1"`     // domain
	DeleteFailed   string `yaml:"delete_failed" args:"1"`   // diagnostic

	ListHeader string `yaml:"list_header" args:"1"` // formatted list
	ListEmpty  string `yaml:"list_empty"`

	RebootDone     string `yaml:"reboot_done"`
	RebootDeclined string `yaml:"reboot_declined"`

	TestOK     string `yaml:"test_ok"`
	TestFailed string `yaml:"test_failed"`

	Unreachable   string `yaml:"unreachable"`
	Timeout       string `yaml:"timeout"`
	CommandFailed string `yaml:"command_failed" args:"1"` // diagnostic
	Failure       string `yaml:"failure"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c := &Catalog{}
	if err := yaml.Unmarshal(defaultCatalog, c); err != nil {
		panic(fmt.Sprintf("messages: embedded catalog is invalid: %v", err))
	}
	return c
}

// Load returns the embedded catalog with overridePath applied on top. An
// empty path returns the defaults.
func Load(overridePath string) (*Catalog, error) {
	c := Default()
	if overridePath == "" {
		return c, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read messages file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse messages file %s: %w", overridePath, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("messages file %s: %w", overridePath, err)
	}
	return c, nil
}

// Validate checks that no string is empty and that format strings take
// exactly the documented number of arguments.
func (c *Catalog) Validate() error {
	if err := checkStrings(reflect.ValueOf(c.Labels), "labels."); err != nil {
		return err
	}
	if len(c.YesWords) == 0 || len(c.NoWords) == 0 {
		return fmt.Errorf("yes_words and no_words must not be empty")
	}
	return checkStrings(reflect.ValueOf(*c), "")
}

func checkStrings(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() != reflect.String {
			continue
		}
		key := prefix + f.Tag.Get("yaml")
		s := v.Field(i).String()
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		want := 0
		if f.Tag.Get("args") == "1" {
			want = 1
		}
		if got := strings.Count(strings.ReplaceAll(s, "%%", ""), "%s"); got != want {
			return fmt.Errorf("%s must contain %d %%s placeholder(s), has %d", key, want, got)
		}
	}
	return nil
}

// IsYes reports whether text is an affirmative answer. Matching ignores case
// and surrounding space.
func (c *Catalog) IsYes(text string) bool {
	return matchWord(text, c.Labels.Yes, c.YesWords)
}

// IsNo reports whether text is a negative answer.
func (c *Catalog) IsNo(text string) bool {
	return matchWord(text, c.Labels.No, c.NoWords)
}

func matchWord(text, label string, words []string) bool {
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, strings.TrimSpace(label)) {
		return true
	}
	for _, w := range words {
		if strings.EqualFold(text, w) {
			return true
		}
	}
	return false
}

// MenuKeyboard is the main reply keyboard.
func (c *Catalog) MenuKeyboard() [][]string {
	return [][]string{
		{c.Labels.List},
		{c.Labels.Add, c.Labels.Delete},
		{c.Labels.Reboot},
	}
}

// ConfirmKeyboard is shown while waiting for a yes/no answer.
func (c *Catalog) ConfirmKeyboard() [][]string {
	return [][]string{{c.Labels.Yes, c.Labels.No}}
}

// PromptKeyboard is shown while waiting for a domain.
func (c *Catalog) PromptKeyboard() [][]string {
	return [][]string{{c.Labels.Cancel}}
}
