package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whisper/guardrails/internal/logging"
	"github.com/whisper/guardrails/internal/moderation"
)

var errFiltered = errors.New("content filtered")

var checkFlags struct {
	role    string
	jsonOut bool
	lines   bool
}

var checkCmd = &cobra.Command{
	Use:   "check [text]",
	Short: "Classify text against the configured filter rules",
	Long: `Classify text against the configured filter rules without a backend or Redis.

The text is taken from the arguments, or from stdin when none are given.
The command exits non-zero when anything is filtered.

Examples:
  guardrails check "how to make a bomb"
  guardrails check --role assistant < reply.txt
  guardrails check --lines --json < corpus.txt`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkFlags.role, "role", string(moderation.RoleUser), "role the text is attributed to (user, assistant)")
	checkCmd.Flags().BoolVar(&checkFlags.jsonOut, "json", false, "print verdicts as JSON lines")
	checkCmd.Flags().BoolVar(&checkFlags.lines, "lines", false, "classify every input line separately")
}

type checkResult struct {
	Text     string `json:"text"`
	Filtered bool   `json:"filtered"`
	Stage    string `json:"stage,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Term     string `json:"term,omitempty"`
	Severity string `json:"severity,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	role := moderation.Role(checkFlags.role)
	if role != moderation.RoleUser && role != moderation.RoleAssistant {
		return fmt.Errorf("--role must be user or assistant, got %q", checkFlags.role)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: "warn", Output: cmd.ErrOrStderr()})

	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}

	texts, err := checkInput(cmd.InOrStdin(), args, checkFlags.lines)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	anyFiltered := false
	for _, text := range texts {
		res := classify(filter, text, role)
		anyFiltered = anyFiltered || res.Filtered
		if err := printResult(out, res, checkFlags.jsonOut); err != nil {
			return err
		}
	}
	if anyFiltered {
		return errFiltered
	}
	return nil
}

func checkInput(stdin io.Reader, args []string, perLine bool) ([]string, error) {
	if len(args) > 0 {
		return []string{strings.Join(args, " ")}, nil
	}
	if !perLine {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return []string{strings.TrimSpace(string(data))}, nil
	}

	var texts []string
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			texts = append(texts, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return texts, nil
}

func classify(c moderation.Classifier, text string, role moderation.Role) checkResult {
	v := c.Classify(text, role)
	return checkResult{
		Text:     text,
		Filtered: v.Filtered,
		Stage:    string(v.Stage),
		Reason:   v.Reason,
		Term:     v.Term,
		Severity: v.Severity,
	}
}

func printResult(w io.Writer, res checkResult, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(res)
	}
	var err error
	if res.Filtered {
		_, err = fmt.Fprintf(w, "FILTERED\t%s\t%s\t%q\n", res.Stage, res.Reason, res.Text)
	} else {
		_, err = fmt.Fprintf(w, "PASS\t%q\n", res.Text)
	}
	return err
}
