package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/pipeline"
	"github.com/ayusman/gazegrid/internal/store"
)

type replayOptions struct {
	InputPath string
	NthFrame  int
	Arity     string
	Record    bool
}

func newReplayCmd(e *env) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a recorded video through the gaze pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.NthFrame < 1 {
				return fmt.Errorf("--nth-frame must be at least 1")
			}
			arity := grid.Arity(e.cfg.Grid.Arity)
			if opts.Arity != "" {
				parsed, err := grid.ParseArity(opts.Arity)
				if err != nil {
					return err
				}
				arity = parsed
			}

			det, err := buildDetector(e.cfg)
			if err != nil {
				return err
			}
			defer det.Close()
			models, err := loadModels(e.cfg)
			if err != nil {
				return err
			}
			defer models.Close()

			var st *store.Store
			if opts.Record {
				st, err = store.New(e.cfg.Store.Path)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()
			}

			summary, err := replay(cmd.Context(), replayJob{
				Device:   capture.NewFileDevice(opts.InputPath),
				Detector: det,
				Models:   models,
				Arity:    arity,
				NthFrame: opts.NthFrame,
				Store:    st,
				Policy:   trackingPolicy(e.cfg),
				Progress: cmd.ErrOrStderr(),
				Name:     opts.InputPath,
				Env:      e,
			})
			if summary != nil {
				summary.print(cmd.OutOrStdout())
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "", "Path to video")
	cmd.Flags().IntVarP(&opts.NthFrame, "nth-frame", "n", 1, "Process every nth frame")
	cmd.Flags().StringVarP(&opts.Arity, "arity", "a", "", "Grid arity: 4, 6 or 9 (default: configured)")
	cmd.Flags().BoolVar(&opts.Record, "record", false, "Store the estimates as a session")
	cmd.MarkFlagRequired("input")
	return cmd
}

type replayJob struct {
	Device   capture.Device
	Detector detector.Detector
	Models   *classifier.ModelSet
	Arity    grid.Arity
	NthFrame int
	Store    *store.Store
	Policy   pipeline.TrackingPolicy
	Progress io.Writer
	Name     string
	Env      *env
}

type replaySummary struct {
	Frames   int
	Outcomes map[pipeline.Outcome]int
	Classes  map[int]int
	Failures int
}

func (s *replaySummary) print(w io.Writer) {
	fmt.Fprintf(w, "Processed %d frames\n", s.Frames)
	for _, o := range []pipeline.Outcome{pipeline.OutcomeEstimated, pipeline.OutcomeNoFace, pipeline.OutcomeEyesUnavailable} {
		fmt.Fprintf(w, "  %-17s %d\n", o, s.Outcomes[o])
	}
	if s.Failures > 0 {
		fmt.Fprintf(w, "  %-17s %d\n", "failed", s.Failures)
	}

	classes := make([]int, 0, len(s.Classes))
	for c := range s.Classes {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	for _, c := range classes {
		fmt.Fprintf(w, "  region %-10d %d\n", c+1, s.Classes[c])
	}
}

// replay runs every nth frame of the recording through the pipeline in
// order. The frame stream is read directly, without a capture Source.
func replay(ctx context.Context, job replayJob) (*replaySummary, error) {
	log := job.Env.log.WithField("component", "replay")

	if err := job.Device.Open(0); err != nil {
		return nil, err
	}
	defer job.Device.Close()

	sizes, err := job.Device.SupportedSizes()
	if err != nil {
		return nil, err
	}
	if len(sizes) == 0 {
		return nil, errors.New("recording reports no frame size")
	}
	size := sizes[0]

	gc, err := grid.NewConfig[classifier.Classifier](job.Arity, job.Models.Get)
	if err != nil {
		return nil, err
	}
	p := pipeline.New(job.Detector, gc, pipeline.Options{
		Screen: job.Env.cfg.Screen(),
		Policy: job.Policy,
		Logger: job.Env.log,
	})

	var sess *store.Session
	if job.Store != nil {
		sess = &store.Session{
			Source:      "file:" + job.Name,
			FrameWidth:  size.Width,
			FrameHeight: size.Height,
			Arity:       int(job.Arity),
		}
		if err := job.Store.Sessions().Create(sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	total := -1
	if fc, ok := job.Device.(interface{ FrameCount() int }); ok {
		total = fc.FrameCount()
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Replaying"),
		progressbar.OptionSetWriter(job.Progress),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	summary := &replaySummary{
		Outcomes: make(map[pipeline.Outcome]int),
		Classes:  make(map[int]int),
	}
	var batch []*store.Estimate
	var runErr error

	for seq := uint64(0); ; seq++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		f, err := job.Device.Read()
		if errors.Is(err, capture.ErrEndOfStream) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		bar.Add(1)
		if int(seq)%job.NthFrame != 0 {
			continue
		}
		f.Sequence = seq

		res, err := p.Process(ctx, f)
		summary.Frames++
		if err != nil {
			if errors.Is(err, pipeline.ErrInvariant) {
				runErr = err
				break
			}
			summary.Failures++
			log.WithError(err).WithField("frame", seq).Warn("pass failed")
			continue
		}

		summary.Outcomes[res.Outcome]++
		if res.Outcome == pipeline.OutcomeEstimated {
			summary.Classes[res.Class]++
		}
		if sess != nil {
			est := app.ToEstimate(res)
			est.SessionID = sess.ID
			batch = append(batch, est)
		}
	}
	bar.Finish()
	fmt.Fprintln(job.Progress)

	if sess != nil {
		if len(batch) > 0 {
			if err := job.Store.Estimates().CreateBatch(batch); err != nil {
				log.WithError(err).Warn("failed to store estimates")
			}
		}
		status, msg := store.SessionStopped, ""
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			status, msg = store.SessionFailed, runErr.Error()
		}
		if err := job.Store.Sessions().End(sess.ID, status, msg); err != nil {
			log.WithError(err).Warn("failed to end session")
		}
		fmt.Fprintf(job.Progress, "Recorded session %s\n", sess.ID)
	}

	return summary, runErr
}
