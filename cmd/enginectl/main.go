// enginectl is a local exerciser for the control core: it loads a
// core.Config, constructs a core.Scheduler fed by an in-memory synthetic
// request stream, and drives PrepareStep/ApplyStep in a loop, printing
// per-step summaries. It is not the ingress service (HTTP/OpenAI framing is
// an explicit non-goal, spec §1) and it does not talk to a real GPU worker
// — next_tokens are produced by a trivial deterministic stub standing in
// for the forward_batch boundary.
package main

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coreinfer/schedcore/core"
	"github.com/coreinfer/schedcore/metrics"
	"github.com/coreinfer/schedcore/wire"
)

var (
	configPath   string
	logLevel     string
	numSteps     int
	numRequests  int
	totalBlocks  int
	promptLen    int
	maxNewTokens int
	seed         int64
)

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Exercises the inference control core's scheduler loop",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler loop against a synthetic request stream",
	RunE:  runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML engine config (defaults to core.DefaultConfig)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&numSteps, "steps", 50, "Number of scheduler steps to drive")
	runCmd.Flags().IntVar(&numRequests, "requests", 8, "Number of synthetic requests to submit")
	runCmd.Flags().IntVar(&totalBlocks, "blocks", 256, "Total KV blocks in the BlockPool")
	runCmd.Flags().IntVar(&promptLen, "prompt-len", 32, "Synthetic prompt length in tokens")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 16, "Sampling.MaxTokens for every synthetic request")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "RNG seed for synthetic prompts")

	rootCmd.AddCommand(runCmd)
}

func main() {
	Execute()
}

func runEngine(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)

	cfg := core.DefaultConfig()
	if configPath != "" {
		loaded, err := core.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	sink := metrics.NewSink()
	ingress := make(chan core.IngressEvent, numRequests)
	const eosToken = core.TokenID(0)
	sched := core.NewScheduler(cfg, totalBlocks, ingress, eosToken, nil, sink, logrus.StandardLogger())

	rng := rand.New(rand.NewSource(seed))
	sharedPrefix := randomPrompt(rng, promptLen/2)
	for i := 0; i < numRequests; i++ {
		prompt := append(core.TokenVec{}, sharedPrefix...)
		prompt = append(prompt, randomPrompt(rng, promptLen-len(sharedPrefix))...)
		ingress <- core.NewRequestEvent{
			Prompt: prompt,
			Sampling: core.SamplingParams{
				MaxTokens: maxNewTokens,
				IgnoreEOS: true,
			},
		}
	}

	for step := 0; step < numSteps; step++ {
		sr := sched.PrepareStep()
		for _, reply := range wire.NewAdmissionReplies(sr) {
			logrus.Debugf("step %d: admitted request %s", step, reply.ReqUID)
		}
		if sr.Empty() {
			logrus.Debugf("step %d: nothing to schedule", step)
			continue
		}
		nextTokens := fakeForward(sr)
		if err := sched.ApplyStep(sr, nextTokens); err != nil {
			return err
		}

		snap := sched.Snapshot()
		logrus.Infof("step %d: batch_slots=%d waiting=%d prefilling=%d decoding=%d free_blocks=%d",
			step, sr.Batch.TotalSlots(), snap.Waiting, snap.Prefilling, snap.Decoding, snap.Cache.FreeBlocks)
		for _, term := range sr.Terminations {
			logrus.Infof("step %d: request %s finished (%s)", step, term.ReqID, term.Reason)
		}
	}
	return nil
}

// fakeForward stands in for the GPU executor: it always returns token 1
// (never EOS, since requests here run IgnoreEOS=true and terminate on
// MaxTokens instead), aligned to sr.ReqUIDs.
func fakeForward(sr *core.StepResult) []core.TokenID {
	out := make([]core.TokenID, len(sr.ReqUIDs))
	for i := range out {
		out[i] = core.TokenID(1)
	}
	return out
}

func randomPrompt(rng *rand.Rand, n int) core.TokenVec {
	if n <= 0 {
		return nil
	}
	toks := make(core.TokenVec, n)
	for i := range toks {
		toks[i] = core.TokenID(rng.Intn(30000) + 2)
	}
	return toks
}
