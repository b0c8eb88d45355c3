// cmd/bkmirror/job.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmp/bkmirror/backup"
	"github.com/mmp/bkmirror/config"
	"github.com/mmp/bkmirror/rules"
)

// Job and rule edits are staged on the jobs and then written back to the
// settings file; a running "bkmirror run" picks them up on SIGHUP.

func newJobCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "List and edit backup jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the backup jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(opts.Config)
			if err != nil {
				return err
			}
			jobs, err := s.Jobs()
			if err != nil {
				return err
			}
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s (%s)\n", j, state)
				if str := j.Rules.String(); str != "" {
					fmt.Print(str)
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a backup job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editJob(opts, args[0], func(j *backup.Job) error {
				j.StageEnabled(true)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a backup job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editJob(opts, args[0], func(j *backup.Job) error {
				j.StageEnabled(false)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a backup job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editJob(opts, args[0], func(j *backup.Job) error {
				j.StageName(args[1])
				return nil
			})
		},
	})
	return cmd
}

func newRuleCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Edit the rules that select which files a job backs up",
	}

	var job, dir, kind, suffixes, subdirs string
	var category int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a rule, replacing any rule for the same directory in its category",
		Long: `Within a category, the rule for the longest directory containing a file
decides whether it's accepted. A file must be accepted by every category.
Kinds are AcceptAll, RejectAll, AcceptSuffix, RejectSuffix and RejectSubdir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := rules.ParseKind(kind)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			return editJob(opts, job, func(j *backup.Job) error {
				return j.StageRule(rules.NewRule(abs, k, suffixes, subdirs), category)
			})
		},
	}
	add.Flags().StringVar(&job, "job", "", "backup job name")
	add.Flags().IntVar(&category, "category", 0, "rule category")
	add.Flags().StringVar(&dir, "dir", "", "directory the rule applies to")
	add.Flags().StringVar(&kind, "kind", "", "rule kind")
	add.Flags().StringVar(&suffixes, "suffixes", "", "space-separated suffixes, for the suffix kinds")
	add.Flags().StringVar(&subdirs, "subdirs", "", "space-separated subdirectory names, for RejectSubdir")
	for _, f := range []string{"job", "dir", "kind"} {
		_ = add.MarkFlagRequired(f)
	}
	cmd.AddCommand(add)

	var clearJob string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all of a job's rules, so that it accepts every file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return editJob(opts, clearJob, func(j *backup.Job) error {
				j.StageRules(rules.New())
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&clearJob, "job", "", "backup job name")
	_ = clearCmd.MarkFlagRequired("job")
	cmd.AddCommand(clearCmd)
	return cmd
}

func editJob(opts *rootOptions, name string, f func(j *backup.Job) error) error {
	s, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	jobs, err := s.Jobs()
	if err != nil {
		return err
	}

	var job *backup.Job
	for _, j := range jobs {
		if j.Name == name {
			job = j
		}
	}
	if job == nil {
		return fmt.Errorf("%s: no such backup job", name)
	}
	if err := f(job); err != nil {
		return err
	}

	if err := s.ApplyStaged(jobs); err != nil {
		return err
	}
	if err := s.Save(opts.Config); err != nil {
		return err
	}
	log.Verbose("%s: saved", opts.Config)
	return nil
}
