// Package pronouns holds the closed set of pronoun values an account can
// declare, and the display formatting for each of them.
package pronouns

// Unspecified is the default declaration for a fresh account. It is never
// surfaced by lookups; callers see it as a missing identity.
const Unspecified = "unspecified"

type Styling string

const (
	StylingLower  Styling = "lower"
	StylingPascal Styling = "pascal"
)

// Set is one entry of the registry. Fixed entries carry a lower/pascal
// display pair; sentinel entries carry a single message plus a long-form
// description.
type Set struct {
	Lower    string
	Pascal   string
	Short    string
	Sentinel bool
	Long     string
}

var registry = map[string]Set{
	Unspecified: {Sentinel: true},
	"hh":        {Lower: "he/him", Pascal: "He/Him", Short: "he"},
	"hi":        {Lower: "he/it", Pascal: "He/It", Short: "he"},
	"hs":        {Lower: "he/she", Pascal: "He/She", Short: "he"},
	"ht":        {Lower: "he/they", Pascal: "He/They", Short: "he"},
	"ih":        {Lower: "it/him", Pascal: "It/Him", Short: "it"},
	"ii":        {Lower: "it/its", Pascal: "It/Its", Short: "it"},
	"is":        {Lower: "it/she", Pascal: "It/She", Short: "it"},
	"it":        {Lower: "it/they", Pascal: "It/They", Short: "it"},
	"shh":       {Lower: "she/he", Pascal: "She/He", Short: "she"},
	"sh":        {Lower: "she/her", Pascal: "She/Her", Short: "she"},
	"si":        {Lower: "she/it", Pascal: "She/It", Short: "she"},
	"st":        {Lower: "she/they", Pascal: "She/They", Short: "she"},
	"th":        {Lower: "they/he", Pascal: "They/He", Short: "they"},
	"ti":        {Lower: "they/it", Pascal: "They/It", Short: "they"},
	"ts":        {Lower: "they/she", Pascal: "They/She", Short: "they"},
	"tt":        {Lower: "they/them", Pascal: "They/Them", Short: "they"},
	"any":       {Lower: "any", Pascal: "Any", Short: "any", Sentinel: true, Long: "Goes by any pronouns"},
	"other":     {Lower: "other", Pascal: "Other", Short: "other", Sentinel: true, Long: "Goes by pronouns not available on PronounDB"},
	"ask":       {Lower: "ask", Pascal: "Ask", Short: "ask", Sentinel: true, Long: "Prefers people to ask for their pronouns"},
	"avoid":     {Lower: "avoid", Pascal: "Avoid", Short: "avoid", Sentinel: true, Long: "Wants to avoid pronouns"},
}

// Valid reports whether id is a known pronoun value, including sentinels.
func Valid(id string) bool {
	_, ok := registry[id]
	return ok
}

// Format returns the display string for id under the requested styling.
// Unknown ids and the unspecified sentinel format to the empty string.
func Format(id string, styling Styling) string {
	set, ok := registry[id]
	if !ok || id == Unspecified {
		return ""
	}
	if styling == StylingPascal {
		return set.Pascal
	}
	return set.Lower
}

// FormatShort returns the first pronoun of a fixed set, or the sentinel
// message for sentinel values.
func FormatShort(id string, styling Styling) string {
	set, ok := registry[id]
	if !ok || id == Unspecified {
		return ""
	}
	if styling == StylingPascal && set.Sentinel {
		return set.Pascal
	}
	if styling == StylingPascal {
		return upperFirst(set.Short)
	}
	return set.Short
}

// FormatLong returns a full-sentence description of the declaration.
func FormatLong(id string) string {
	set, ok := registry[id]
	if !ok || id == Unspecified {
		return ""
	}
	if set.Sentinel {
		return set.Long
	}
	return `Goes by "` + set.Lower + `" pronouns`
}

func upperFirst(value string) string {
	if value == "" {
		return ""
	}
	return string(value[0]-('a'-'A')) + value[1:]
}
