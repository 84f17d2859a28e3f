//go:build linux
// +build linux

package commands

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/offload"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	keys           int
	workers        int
	meanKB         int
	rounds         int
	vectored       bool
	pprofAddr      string
	cpuProfile     string
	csvFile        string
	reportInterval time.Duration
}

var bench benchOptions

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Offload buffers to disk and read them back",
	Long: `bench writes --keys buffers through an Offloader from --workers goroutines,
drains the writes, reads every key back and checks its xxhash. Buffer sizes
follow a normal distribution around --mean-kb.`,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&bench.keys, "keys", 4096, "number of keys per round")
	f.IntVar(&bench.workers, "workers", 8, "number of submitting goroutines")
	f.IntVar(&bench.meanKB, "mean-kb", 64, "mean buffer size in KiB")
	f.IntVar(&bench.rounds, "rounds", 1, "number of write/read rounds")
	f.BoolVar(&bench.vectored, "vectored", false, "split each buffer in two and use writev/readv")
	f.StringVar(&bench.pprofAddr, "pprof", "", "serve /debug/pprof on this address, e.g. :8080")
	f.StringVar(&bench.cpuProfile, "cpuprofile", "", "write cpu profile to this file")
	f.StringVar(&bench.csvFile, "csv", "", "append the run results to this CSV file")
	f.DurationVar(&bench.reportInterval, "report-interval", 0, "log offloader stats at this interval, 0 disables")
	rootCmd.AddCommand(benchCmd)
}

// normalDistInt returns an integer in [0, max) following a normal distribution
// centered at max/2.
func normalDistInt(max int) int {
	if max <= 0 {
		return 0
	}
	mean := float64(max) / 2.0
	stdDev := float64(max) / 8.0
	for {
		val := rand.NormFloat64()*stdDev + mean
		if val >= 0 && val < float64(max) {
			return int(val)
		}
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if bench.keys <= 0 || bench.workers <= 0 || bench.meanKB <= 0 || bench.rounds <= 0 {
		return fmt.Errorf("keys, workers, mean-kb and rounds must be positive")
	}

	if bench.pprofAddr != "" {
		go func() {
			log.Info().Msgf("Starting pprof server on %s", bench.pprofAddr)
			if err := http.ListenAndServe(bench.pprofAddr, nil); err != nil {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}
	if bench.cpuProfile != "" {
		f, err := os.Create(bench.cpuProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	o, err := offload.New(cfg.Offload())
	if err != nil {
		return err
	}
	defer o.Close()

	if bench.reportInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go o.RunReporter(stop, bench.reportInterval)
	}

	var wElapsed, rElapsed time.Duration
	var totalBytes int64
	for round := 0; round < bench.rounds; round++ {
		r, err := benchRound(cmd.Context(), o, round)
		if err != nil {
			return err
		}
		wElapsed += r.write
		rElapsed += r.read
		totalBytes += r.bytes
	}

	s := o.Stats()
	res := benchResult{
		Backend:     s.Backend,
		Keys:        bench.keys,
		Workers:     bench.workers,
		MeanKB:      bench.meanKB,
		Rounds:      bench.rounds,
		Vectored:    bench.vectored,
		WP99:        s.WriteP99,
		WP50:        s.WriteP50,
		WP25:        s.WriteP25,
		RP99:        s.ReadP99,
		RP50:        s.ReadP50,
		RP25:        s.ReadP25,
		WThroughput: mbPerSec(totalBytes, wElapsed),
		RThroughput: mbPerSec(totalBytes, rElapsed),
		MemoryMB:    getMemoryUsageMB(),
	}
	res.print(cmd.OutOrStdout())
	if bench.csvFile != "" {
		return res.appendCSV(bench.csvFile)
	}
	return nil
}

type roundTimes struct {
	write, read time.Duration
	bytes       int64
}

// benchBuffers hands out host buffers for one round. With O_DIRECT in effect
// they come from aligned mappings that are released with the round.
type benchBuffers struct {
	direct bool
	mapped []*offload.AlignedBuffer
	mu     sync.Mutex
}

func (b *benchBuffers) get(size int) ([]byte, error) {
	if !b.direct {
		return make([]byte, size), nil
	}
	ab, err := offload.NewAlignedBuffer(size)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.mapped = append(b.mapped, ab)
	b.mu.Unlock()
	return ab.Bytes()[:size], nil
}

func (b *benchBuffers) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ab := range b.mapped {
		if err := ab.Release(); err != nil {
			log.Warn().Err(err).Msg("releasing aligned buffer")
		}
	}
	b.mapped = nil
}

// split returns the offset at which a buffer of n bytes is cut into two
// segments, or 0 when it stays whole.
func (b *benchBuffers) split(n int) int {
	half := n / 2
	if b.direct {
		half -= half % offload.BLOCK_SIZE
	}
	if half <= 0 || half >= n {
		return 0
	}
	return half
}

func benchRound(ctx context.Context, o *offload.Offloader, round int) (roundTimes, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	direct := o.DirectIO()
	meanBytes := bench.meanKB << 10
	sums := make([]uint64, bench.keys)
	sizes := make([]int, bench.keys)
	var total int64
	for i := range sizes {
		sizes[i] = normalDistInt(2*meanBytes) + 1
		if rem := sizes[i] % offload.BLOCK_SIZE; direct && rem != 0 {
			sizes[i] += offload.BLOCK_SIZE - rem
		}
		total += int64(sizes[i])
	}
	key := func(i int) string { return fmt.Sprintf("bench-%d-%d", round, i) }

	fanOut := func(fn func(i int) error) error {
		g, gctx := errgroup.WithContext(ctx)
		per := (bench.keys + bench.workers - 1) / bench.workers
		for w := 0; w < bench.workers; w++ {
			lo, hi := w*per, (w+1)*per
			if hi > bench.keys {
				hi = bench.keys
			}
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := fn(i); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return g.Wait()
	}

	wbufs := &benchBuffers{direct: direct}
	defer wbufs.release()
	start := time.Now()
	err := fanOut(func(i int) error {
		buf, err := wbufs.get(sizes[i])
		if err != nil {
			return err
		}
		rand.Read(buf)
		sums[i] = xxhash.Sum64(buf)
		if half := wbufs.split(len(buf)); bench.vectored && half > 0 {
			return o.AsyncWritev([]offload.Buffer{offload.HostBuffer(buf[:half]), offload.HostBuffer(buf[half:])}, key(i), nil)
		}
		return o.AsyncWrite(offload.HostBuffer(buf), key(i), nil)
	})
	if err != nil {
		o.SyncWriteEvents()
		return roundTimes{}, err
	}
	if err := o.SyncWriteEvents(); err != nil {
		return roundTimes{}, err
	}
	wElapsed := time.Since(start)
	wbufs.release()

	rbufs := &benchBuffers{direct: direct}
	defer rbufs.release()
	bufs := make([][]byte, bench.keys)
	start = time.Now()
	err = fanOut(func(i int) error {
		buf, err := rbufs.get(sizes[i])
		if err != nil {
			return err
		}
		bufs[i] = buf
		if half := rbufs.split(len(buf)); bench.vectored && half > 0 {
			return o.AsyncReadv([]offload.Buffer{offload.HostBuffer(buf[:half]), offload.HostBuffer(buf[half:])}, key(i), nil)
		}
		return o.AsyncRead(offload.HostBuffer(buf), key(i), nil)
	})
	if err != nil {
		o.SyncReadEvents()
		return roundTimes{}, err
	}
	if err := o.SyncReadEvents(); err != nil {
		return roundTimes{}, err
	}
	rElapsed := time.Since(start)

	for i, b := range bufs {
		if xxhash.Sum64(b) != sums[i] {
			return roundTimes{}, fmt.Errorf("%s: content hash mismatch", key(i))
		}
	}
	log.Info().Msgf("round %d: %d keys, %d bytes, write %v, read %v", round, bench.keys, total, wElapsed, rElapsed)
	return roundTimes{write: wElapsed, read: rElapsed, bytes: total}, nil
}

func mbPerSec(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / (1 << 20) / d.Seconds()
}
