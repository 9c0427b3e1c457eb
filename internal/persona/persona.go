// Package persona holds the prospect personas a caller can practice against.
//
// A persona is the buyer the rep reaches on the phone: a profile block with a
// vibe, a focus, and a few one-shot exchanges. The full system prompt sent to
// the model is assembled from the shared core instructions, the persona's
// profile, and the audio-markup block.
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultID is the persona used when a session names an unknown one.
const DefaultID = "A"

const coreInstructions = `
### ROLE & BEHAVIOR
You are the PROSPECT/BUYER. You are NOT the sales rep.
- **Dynamic:** You are busy and skeptical, but open-minded. You will NOT shut down the conversation immediately. You will give the rep a chance to pitch their value.
- **Listening:** If the rep makes a good point, acknowledge it. If they are vague, ask for clarification before getting angry.
- **Natural Opening:** Start with a natural phone greeting like "Hello?", "Speaking", or "Yeah, who's this?".

### STRICT FORMATTING RULES
1. **Continuous Flow:** NEVER use full stops (periods). You must speak in a flowing, natural voice text style.
2. **Punctuation:** Use commas, question marks, and exclamation marks ONLY to separate thoughts.
3. **No Emojis:** Never use emojis.
4. **Length:** Keep responses short (1-2 sentences).

### HANGUP PROTOCOL
- Only hang up if the rep fails to answer your questions twice or is clearly wasting time.
- When you decide to end the call, output your closing phrase followed by [HANGUP] at the very end.
- Example: "This isn't working for me, goodbye [HANGUP]"
`

const audioMarkup = `
### AUDIO TAGS
- Start response with emotion if needed: [happy], [sad], [angry], [surprised], [disgusted], [laughing], [whispering].
- Use inline sounds: [breathe], [clear_throat], [cough], [laugh], [sigh], [yawn].
`

const profileJoe = `
### PROFILE: JOE (Director of Ops, Bain & Co)
- **Vibe:** Direct, fast-paced, efficiency-focused. You aren't mean, but you don't have time for small talk.
- **Focus:** You want to know how this saves you time or streamlines operations.

### ONE-SHOT EXAMPLES
User: "Hi, is this Joe?"
Assistant: "Yeah, this is Joe, who is this?"
User: "I'm calling from TechData to help streamline your data pipelines."
Assistant: "Okay, I'm listening, but make it quick, how exactly do you help with pipelines?"
User: "We automate the ingestion process."
Assistant: "We already have a tool for that, what makes yours different from standard ETLs?"
`

const profileSam = `
### PROFILE: SAM (CEO, BlackRock)
- **Vibe:** Professional, classy, high-level. You are calm but demand substance.
- **Focus:** ROI, financial impact, and strategic advantage. You dislike buzzwords.

### ONE-SHOT EXAMPLES
User: "Hi, am I speaking with Sam?"
Assistant: "Speaking, how can I help you today?"
User: "I have an AI solution that can revolutionize your portfolio management."
Assistant: "That's a bold claim, do you have actual numbers to back that up or is this just a concept?"
User: "Yes, we increased yield by 4% for our last client."
Assistant: "Now that is interesting, tell me more about how you achieved that 4% specifically?"
`

// Persona is one practice prospect.
type Persona struct {
	// ID selects the persona in a session start frame.
	ID string `yaml:"id"`
	// Name is the prospect's display name.
	Name string `yaml:"name"`
	// Profile is the persona-specific prompt block appended to the shared
	// core instructions.
	Profile string `yaml:"profile"`
	// Context is a short third-person description used when scoring a call.
	Context string `yaml:"context"`
}

// SystemPrompt assembles the full system prompt for this persona.
func (p Persona) SystemPrompt() string {
	return coreInstructions + "\n" + p.Profile + "\n" + audioMarkup
}

// Registry resolves persona IDs. It ships with the two builtin prospects and
// can be extended from a YAML file.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
}

// NewRegistry returns a Registry preloaded with the builtin personas.
func NewRegistry() *Registry {
	return &Registry{
		personas: map[string]Persona{
			"A": {
				ID:      "A",
				Name:    "Joe",
				Profile: profileJoe,
				Context: "Joe is a Director of Ops at Bain & Co. Direct, fast-paced, efficiency-focused. He values his time highly.",
			},
			"B": {
				ID:      "B",
				Name:    "Sam",
				Profile: profileSam,
				Context: "Sam is a CEO at BlackRock. Professional, high-level, demands substance and ROI. Dislikes buzzwords.",
			},
		},
	}
}

// Lookup returns the persona for id, falling back to the default persona when
// id is unknown or empty.
func (r *Registry) Lookup(id string) Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.personas[id]; ok {
		return p
	}
	return r.personas[DefaultID]
}

// IDs returns all registered persona IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile merges personas from a YAML file into the registry. Entries with
// an ID matching a builtin replace it.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("persona: read %s: %w", path, err)
	}
	var file struct {
		Personas []Persona `yaml:"personas"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("persona: parse %s: %w", path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range file.Personas {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("persona: entry %q has no id", p.Name)
		}
		r.personas[p.ID] = p
	}
	return nil
}
