package constraints

// Penalty converts a constraint into disutility instead of (or on top of) a
// hard bound. Two shapes exist: a full-range penalty is zero at Target and
// reaches the unit slopes at the Lower/Upper edges; a free-range penalty is
// zero anywhere inside [Lower, Upper] and grows with the given slopes per
// unit of violation outside.
type Penalty struct {
	Target    float64
	Lower     float64
	Upper     float64
	DownSlope float64
	UpSlope   float64
	FreeRange bool
}

// Value returns the disutility contributed when the constraint functional
// evaluates to f.
func (p *Penalty) Value(f float64) float64 {
	if p.FreeRange {
		switch {
		case f < p.Lower:
			return p.DownSlope * (p.Lower - f)
		case f > p.Upper:
			return p.UpSlope * (f - p.Upper)
		default:
			return 0
		}
	}
	// Full range: normalize the deviation by the half-range so the penalty
	// equals the slope exactly at the edge.
	switch {
	case f < p.Target:
		width := p.Target - p.Lower
		if width <= 0 {
			return p.DownSlope * (p.Target - f)
		}
		return p.DownSlope * (p.Target - f) / width
	case f > p.Target:
		width := p.Upper - p.Target
		if width <= 0 {
			return p.UpSlope * (f - p.Target)
		}
		return p.UpSlope * (f - p.Target) / width
	default:
		return 0
	}
}

// Slope returns the marginal disutility at f, the subgradient used for KKT
// attribution.
func (p *Penalty) Slope(f float64) float64 {
	if p.FreeRange {
		switch {
		case f < p.Lower:
			return -p.DownSlope
		case f > p.Upper:
			return p.UpSlope
		default:
			return 0
		}
	}
	switch {
	case f < p.Target:
		width := p.Target - p.Lower
		if width <= 0 {
			return -p.DownSlope
		}
		return -p.DownSlope / width
	case f > p.Target:
		width := p.Upper - p.Target
		if width <= 0 {
			return p.UpSlope
		}
		return p.UpSlope / width
	default:
		return 0
	}
}
