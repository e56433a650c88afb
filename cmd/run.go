package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spigell/fitcheck/internal/pipeline"
	"github.com/spigell/fitcheck/internal/stream"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptExit         = "Exit"
	PromptEvidence     = "Show evidence"
	PromptReportToFile = "Dump report to file"
)

var errExit = errors.New("exit requested")

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Analyze a company name or job description and stream the fit narrative",
	Long: "Analyze a company name or job description and stream the fit narrative.\n" +
		"Without arguments the query is asked interactively.",
	Run: func(cmd *cobra.Command, args []string) {
		run(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("sse", false, "print raw server-sent events instead of the narrative")
	runCmd.Flags().BoolP("auto-exit", "y", false, "do not ask for follow-up actions after the run")
	runCmd.Flags().StringP("variant", "v", "", "prompt variant to use")

	viper.BindPFlag("prompt-variant", runCmd.Flags().Lookup("variant"))
}

func run(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := setup(ctx)
	if err != nil {
		log.Fatal(err)
	}
	logger := svc.logger

	raw := strings.Join(args, " ")
	if strings.TrimSpace(raw) == "" {
		raw, err = askQuery()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
	}

	query, err := pipeline.ValidateQuery(raw)
	if err != nil {
		logger.Fatal("invalid query", zap.Error(err))
	}

	sse := flagEnabled(cmd, "sse")

	bridge, done := svc.orchestrator.Stream(ctx, query)
	err = bridge.Drain(ctx, func(ev stream.Event) error {
		if sse {
			return stream.WriteSSE(os.Stdout, ev)
		}
		return renderEvent(os.Stdout, logger, ev)
	})
	if err != nil {
		logger.Warn("stream closed early", zap.Error(err))
	}

	result := <-done

	logger.Info("analysis finished",
		zap.String("run_id", result.RequestID),
		zap.String("terminal", string(result.Terminal)),
		zap.String("code", result.Code),
		zap.Duration("duration", result.Duration),
	)

	if sse || flagEnabled(cmd, "auto-exit") || result.State == nil {
		return
	}

	for {
		prompt := promptui.Select{
			Label: "What next?",
			Items: []string{PromptExit, PromptEvidence, PromptReportToFile},
		}

		_, action, err := prompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}

		if err := handleAction(action, logger, result); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

func askQuery() (string, error) {
	prompt := promptui.Prompt{
		Label: "Company name or job description",
		Validate: func(input string) error {
			_, err := pipeline.ValidateQuery(input)
			return err
		},
	}

	return prompt.Run()
}

func handleAction(action string, logger *zap.Logger, result pipeline.Result) error {
	switch action {
	case PromptExit:
		return errExit
	case PromptEvidence:
		printEvidence(os.Stdout, result.State)
		return nil
	case PromptReportToFile:
		if result.State.Report == nil {
			logger.Info("nothing to dump", zap.String("reason", "no report was generated"))
			return nil
		}
		filename, err := dumpToTmpFile(result.State.Report.Text)
		if err != nil {
			return fmt.Errorf("dump report to file: %w", err)
		}
		logger.Info("dumping report to file", zap.String("filename", filename))
		return nil
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

// renderEvent prints narrative chunks to w and reports progress through the logger.
func renderEvent(w io.Writer, logger *zap.Logger, ev stream.Event) error {
	p := ev.Payload

	switch ev.Type {
	case stream.EventStatus:
		logger.Info("status", zap.String("status", p.Status))
	case stream.EventPhase:
		logger.Info("phase started", zap.String("phase", p.Phase))
	case stream.EventPhaseComplete:
		logger.Debug("phase completed", zap.String("phase", p.Phase), zap.Any("summary", p.Summary))
	case stream.EventThought:
		logger.Debug("thought",
			zap.String("step", p.Step),
			zap.String("type", p.Type),
			zap.String("tool", p.Tool),
			zap.String("input", p.Input),
			zap.String("content", p.Content),
		)
	case stream.EventResponse:
		_, err := io.WriteString(w, p.Chunk)
		return err
	case stream.EventComplete:
		_, err := fmt.Fprintf(w, "\n\n(completed in %dms)\n", p.Duration())
		return err
	case stream.EventError:
		_, err := fmt.Fprintf(w, "\n%s (%s)\n", p.Message, p.Code)
		return err
	}

	return nil
}

func printEvidence(w io.Writer, st *pipeline.State) {
	active := st.Active()
	sort.SliceStable(active, func(i, j int) bool { return active[i].Final > active[j].Final })

	if len(active) == 0 {
		fmt.Fprintln(w, "no evidence survived the quality gate")
		return
	}

	for i, e := range active {
		fmt.Fprintf(w, "%2d. [%.2f] %s\n    %s\n", i+1, e.Final, e.Title, e.URL)
	}
}

func dumpToTmpFile(text string) (string, error) {
	f, err := os.CreateTemp("", app+"-report-*.md")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return "", err
	}

	return f.Name(), nil
}

func flagEnabled(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}
	flag := cmd.Flag(name)
	return flag != nil && strings.EqualFold(flag.Value.String(), "true")
}
