package retrieve

// ProseSynonyms maps common question vocabulary to the wording documents
// tend to use. Lexical retrieval matches exact terms, so a query saying
// "fix login error" misses a page titled "Resolving authentication
// failures"; substituting synonyms bridges that gap. Dense retrieval is
// untouched because the embedding model already handles paraphrase.
//
// Entries map user vocabulary to document vocabulary, not the reverse,
// and stay small: each variant replaces a single term.
var ProseSynonyms = map[string][]string{
	// ==========================================================================
	// Setup and configuration
	// ==========================================================================
	"install":       {"setup", "installation"},
	"setup":         {"install", "configuration"},
	"configure":     {"configuration", "settings"},
	"configuration": {"config", "settings"},
	"settings":      {"configuration", "options"},
	"upgrade":       {"update", "migration"},
	"update":        {"upgrade", "change"},
	"migrate":       {"migration", "upgrade"},

	// ==========================================================================
	// Problems and troubleshooting
	// ==========================================================================
	"error":   {"failure", "problem"},
	"errors":  {"failures", "problems"},
	"issue":   {"problem", "error"},
	"problem": {"issue", "error"},
	"fix":     {"resolve", "repair"},
	"broken":  {"failing", "error"},
	"crash":   {"failure", "abort"},
	"debug":   {"troubleshoot", "diagnose"},
	"slow":    {"performance", "latency"},

	// ==========================================================================
	// Access and identity
	// ==========================================================================
	"login":      {"signin", "authentication"},
	"logout":     {"signout", "session"},
	"auth":       {"authentication", "authorization"},
	"password":   {"credentials", "secret"},
	"token":      {"credentials", "key"},
	"permission": {"access", "authorization"},
	"account":    {"user", "profile"},

	// ==========================================================================
	// Operations
	// ==========================================================================
	"delete": {"remove", "drop"},
	"remove": {"delete", "uninstall"},
	"create": {"add", "make"},
	"start":  {"launch", "run"},
	"stop":   {"shutdown", "halt"},
	"deploy": {"deployment", "release"},
	"backup": {"snapshot", "export"},
	"import": {"upload", "load"},

	// ==========================================================================
	// Pricing and limits
	// ==========================================================================
	"price": {"cost", "pricing"},
	"cost":  {"price", "billing"},
	"pay":   {"payment", "billing"},
	"limit": {"quota", "maximum"},
	"quota": {"limit", "allowance"},
	"free":  {"trial", "pricing"},

	// ==========================================================================
	// Documentation vocabulary
	// ==========================================================================
	"guide":    {"tutorial", "manual"},
	"docs":     {"documentation", "manual"},
	"example":  {"sample", "demo"},
	"examples": {"samples", "demos"},
	"usage":    {"use", "instructions"},
	"version":  {"release", "changelog"},
}
