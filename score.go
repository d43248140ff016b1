package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/studymate/backend/matching"
)

func scoreCmd() *cobra.Command {
	var requesterFile, candidateFile, fieldsFile string

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Print the match breakdown of a requester against a candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req matching.Requester
			if err := readJSONFile(requesterFile, &req); err != nil {
				return err
			}
			var cand matching.Candidate
			if err := readJSONFile(candidateFile, &cand); err != nil {
				return err
			}
			fields, err := matching.LoadFieldIndex(fieldsFile)
			if err != nil {
				return err
			}
			return printBreakdown(cmd.OutOrStdout(), matching.NewScorer(fields).Explain(req, cand))
		},
	}
	cmd.Flags().StringVar(&requesterFile, "requester", "", "JSON file with the requester attributes")
	cmd.Flags().StringVar(&candidateFile, "candidate", "", "JSON file with the candidate attributes")
	cmd.Flags().StringVar(&fieldsFile, "related-fields", "", "related fields YAML (default: embedded table)")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

func readJSONFile(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printBreakdown(w io.Writer, b matching.Breakdown) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}
