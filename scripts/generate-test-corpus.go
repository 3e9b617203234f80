//go:build ignore

// Package main generates a synthetic document corpus for ingest and
// retrieval benchmarking.
// Usage: go run scripts/generate-test-corpus.go -files 1000 -output testdata/bench
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 1000, "Number of files to generate")
	outputDir = flag.String("output", "testdata/bench", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

// Word pools for generating plausible documentation text.
var (
	subjects = []string{
		"the gateway", "the scheduler", "the ingest worker", "the API server",
		"the billing exporter", "the retry queue", "the session store",
		"the audit pipeline", "the webhook relay", "the metrics collector",
		"the deployment controller", "the license service",
	}
	actions = []string{
		"retries failed requests with exponential backoff",
		"rotates its credentials every 24 hours",
		"writes a checkpoint after each batch",
		"rejects payloads larger than the configured limit",
		"drains in-flight work before shutting down",
		"escalates to the on-call rotation after three failures",
		"caches responses for five minutes",
		"validates the schema before accepting a record",
		"falls back to the secondary region on timeout",
		"emits a structured event for every state change",
	}
	qualifiers = []string{
		"In production this defaults to the conservative setting.",
		"Operators can override this with an environment variable.",
		"This behavior changed in the 2.x release line.",
		"See the configuration reference for the full option list.",
		"The default is safe for most deployments.",
		"Misconfiguring this is the most common cause of support tickets.",
		"This is measured on every request and exported as a gauge.",
		"Older clients ignore this field entirely.",
	}
	topics = []string{
		"Deployment", "Authentication", "Rate Limiting", "Backups",
		"Monitoring", "Upgrades", "Networking", "Storage", "Alerting",
		"Provisioning", "Migration", "Troubleshooting", "Capacity Planning",
		"Access Control", "Incident Response", "Configuration",
	}
	sectionNames = []string{
		"Overview", "Prerequisites", "Setup", "Verification", "Rollback",
		"Common Errors", "Limits", "Examples", "Internals", "FAQ",
	}
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	subdirs := []string{"guides", "runbooks", "api", "notes"}
	for _, subdir := range subdirs {
		if err := os.MkdirAll(filepath.Join(*outputDir, subdir), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating subdirectory %s: %v\n", subdir, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Generating %d files in %s...\n", *numFiles, *outputDir)

	// Distribution: mostly markdown, a tail of plain text.
	guideFiles := *numFiles * 40 / 100
	runbookFiles := *numFiles * 30 / 100
	apiFiles := *numFiles * 15 / 100
	noteFiles := *numFiles - guideFiles - runbookFiles - apiFiles

	generated := 0
	for i := 0; i < guideFiles; i++ {
		if err := writeGuide(rng, i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating guide %d: %v\n", i, err)
		}
		generated++
	}
	for i := 0; i < runbookFiles; i++ {
		if err := writeRunbook(rng, i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating runbook %d: %v\n", i, err)
		}
		generated++
	}
	for i := 0; i < apiFiles; i++ {
		if err := writeAPIDoc(rng, i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating api doc %d: %v\n", i, err)
		}
		generated++
	}
	for i := 0; i < noteFiles; i++ {
		if err := writeNote(rng, i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating note %d: %v\n", i, err)
		}
		generated++
	}

	fmt.Printf("Generated %d files successfully.\n", generated)
}

func pick(rng *rand.Rand, pool []string) string {
	return pool[rng.Intn(len(pool))]
}

// paragraph assembles 3-6 sentences from the pools.
func paragraph(rng *rand.Rand) string {
	n := 3 + rng.Intn(4)
	sentences := make([]string, 0, n)
	for i := 0; i < n; i++ {
		subject := pick(rng, subjects)
		s := fmt.Sprintf("%s%s %s.", strings.ToUpper(subject[:1]), subject[1:], pick(rng, actions))
		if rng.Intn(3) == 0 {
			s += " " + pick(rng, qualifiers)
		}
		sentences = append(sentences, s)
	}
	return strings.Join(sentences, " ")
}

func writeGuide(rng *rand.Rand, index int) error {
	topic := pick(rng, topics)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Guide\n\n%s\n", topic, paragraph(rng))

	// 2-5 sections of 1-3 paragraphs each, so chunk counts vary per file.
	for s, n := 0, 2+rng.Intn(4); s < n; s++ {
		fmt.Fprintf(&b, "\n## %s\n\n", pick(rng, sectionNames))
		for p, m := 0, 1+rng.Intn(3); p < m; p++ {
			fmt.Fprintf(&b, "%s\n\n", paragraph(rng))
		}
	}

	name := fmt.Sprintf("%s-guide-%d.md", strings.ToLower(strings.ReplaceAll(topic, " ", "-")), index)
	return os.WriteFile(filepath.Join(*outputDir, "guides", name), []byte(b.String()), 0644)
}

func writeRunbook(rng *rand.Rand, index int) error {
	topic := pick(rng, topics)
	var b strings.Builder
	fmt.Fprintf(&b, "# Runbook: %s\n\n%s\n\n## Symptoms\n\n%s\n\n## Remediation\n\n",
		topic, paragraph(rng), paragraph(rng))
	for step, n := 1, 3+rng.Intn(4); step <= n; step++ {
		subject := pick(rng, subjects)
		fmt.Fprintf(&b, "%d. Check that %s %s.\n", step, subject, pick(rng, actions))
	}
	fmt.Fprintf(&b, "\n## Escalation\n\n%s\n", paragraph(rng))

	name := fmt.Sprintf("runbook-%d.md", index)
	return os.WriteFile(filepath.Join(*outputDir, "runbooks", name), []byte(b.String()), 0644)
}

func writeAPIDoc(rng *rand.Rand, index int) error {
	topic := pick(rng, topics)
	resource := strings.ToLower(strings.ReplaceAll(topic, " ", "-"))
	var b strings.Builder
	fmt.Fprintf(&b, "# %s API\n\n%s\n\n## GET /v1/%s\n\n%s\n\n## POST /v1/%s\n\n%s\n\n## Errors\n\n%s\n",
		topic, paragraph(rng), resource, paragraph(rng), resource, paragraph(rng), paragraph(rng))

	name := fmt.Sprintf("%s-api-%d.md", resource, index)
	return os.WriteFile(filepath.Join(*outputDir, "api", name), []byte(b.String()), 0644)
}

func writeNote(rng *rand.Rand, index int) error {
	var b strings.Builder
	for p, n := 0, 2+rng.Intn(4); p < n; p++ {
		fmt.Fprintf(&b, "%s\n\n", paragraph(rng))
	}
	name := fmt.Sprintf("note-%d.txt", index)
	return os.WriteFile(filepath.Join(*outputDir, "notes", name), []byte(b.String()), 0644)
}
