// Package solve is the optimization façade: it assembles a case, drives the
// numeric engine, relaxes constraints by hierarchy when the problem is
// infeasible, and snapshots the result into an immutable Output.
package solve

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/config"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
)

// Solver runs optimizations for one Case. The Case stays editable between
// calls; every Optimize re-assembles from the current state, so incremental
// edit and re-solve is the normal loop.
type Solver struct {
	c      *assembly.Case
	st     *store.Store
	asm    *assembly.Assembler
	engine solver.Engine
	cfg    *config.Config
	log    zerolog.Logger
}

// New creates a solver over the case with the default gonum engine.
func New(c *assembly.Case, cfg *config.Config, log zerolog.Logger) *Solver {
	return &Solver{
		c:      c,
		st:     c.Store(),
		asm:    assembly.NewAssembler(c.Store(), cfg, log),
		engine: solver.NewNumericEngine(cfg, log),
		cfg:    cfg,
		log:    log.With().Str("component", "solve").Logger(),
	}
}

// SetEngine swaps in a different back-end, e.g. a licensed external solver.
func (s *Solver) SetEngine(e solver.Engine) { s.engine = e }

// Case returns the case being solved.
func (s *Solver) Case() *assembly.Case { return s.c }

// Optimize assembles and solves the case. It blocks until the engine
// finishes or ctx is canceled (Output status TimedOut). Infeasible problems
// are retried with constraints relaxed soft-first, then by hierarchy; the
// Output records which constraints gave way. The error return covers
// assembly problems only; solve failures surface as the Output status.
func (s *Solver) Optimize(ctx context.Context) (*Output, error) {
	return s.optimize(ctx, assembly.BuildOptions{})
}

func (s *Solver) optimize(ctx context.Context, opts assembly.BuildOptions) (*Output, error) {
	relaxer := assembly.NewRelaxer(s.c, s.log)

	for {
		opts.Relaxed = relaxer.Relaxed()
		asm, err := s.asm.Build(s.c, opts)
		if err != nil {
			return nil, err
		}

		res, err := s.engine.Solve(ctx, asm.Problem)
		if err != nil {
			return nil, err
		}

		if res.Status == solver.Infeasible {
			violated := make([]string, 0, len(res.Violations))
			for _, v := range res.Violations {
				violated = append(violated, v.RowID)
			}
			if relaxer.Next(violated) {
				s.log.Info().
					Strs("relaxed", relaxer.RelaxedIDs()).
					Msg("infeasible, re-solving with relaxed constraints")
				continue
			}
			s.log.Warn().Int("violations", len(res.Violations)).Msg("irreducibly infeasible")
		}

		out := newOutput(s.st, asm, res, relaxer.RelaxedIDs(), s.cfg.WashSaleWindow)
		if asm.RoundLotting && res.Status == solver.Optimal {
			out.roundLot = roundLot(s.st, asm, res.X, asm.AllowOddLot)
		}
		s.log.Info().
			Stringer("status", res.Status).
			Int("iterations", res.Iterations).
			Dur("runtime", res.Runtime).
			Msg("solve finished")
		return out, nil
	}
}
