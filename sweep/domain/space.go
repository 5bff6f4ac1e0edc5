package domain

import (
	"fmt"
	"math"
)

// DimensionKind is the closed set of prior shapes a hyperparameter can
// declare. There is no runtime registration of new kinds.
type DimensionKind int

const (
	// Real value drawn uniformly from [Low, High).
	Uniform DimensionKind = iota

	// Real value whose log is drawn uniformly from [log(Low), log(High)).
	LogUniform

	// Integer drawn uniformly from [Low, High] inclusive.
	UniformInt

	// One of an explicit list of values.
	Choice
)

func (k DimensionKind) String() string {
	asString := [4]string{"uniform", "loguniform", "uniform_int", "choice"}
	if k < Uniform || k > Choice {
		return fmt.Sprintf("unknown(%d)", int(k))
	}
	return asString[k]
}

// ParseDimensionKind maps a config string to its DimensionKind.
func ParseDimensionKind(s string) (DimensionKind, error) {
	for k := Uniform; k <= Choice; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return Uniform, fmt.Errorf("unknown dimension kind %q", s)
}

// Dimension declares one hyperparameter's search range.
type Dimension struct {
	Name string
	Kind DimensionKind

	// Bounds for Uniform, LogUniform, and UniformInt.
	Low  float64
	High float64

	// Values for Choice.
	Choices []interface{}

	// Number of grid points for continuous kinds when the grid strategy
	// is used. Zero means the dimension is not grid-enumerable.
	Resolution int
}

func (d *Dimension) Validate() error {
	switch d.Kind {
	case Uniform, LogUniform, UniformInt:
		if d.Low >= d.High {
			return fmt.Errorf("dimension %s: low %v must be below high %v", d.Name, d.Low, d.High)
		}
		if d.Kind == LogUniform && d.Low <= 0 {
			return fmt.Errorf("dimension %s: loguniform bounds must be positive, got low %v", d.Name, d.Low)
		}
		if d.Kind == UniformInt && (d.Low != math.Trunc(d.Low) || d.High != math.Trunc(d.High)) {
			return fmt.Errorf("dimension %s: uniform_int bounds must be integers", d.Name)
		}
	case Choice:
		if len(d.Choices) == 0 {
			return fmt.Errorf("dimension %s: choice needs at least one value", d.Name)
		}
	default:
		return fmt.Errorf("dimension %s: unknown kind %v", d.Name, d.Kind)
	}
	if d.Resolution < 0 {
		return fmt.Errorf("dimension %s: resolution cannot be negative", d.Name)
	}
	return nil
}

// GridSize is the number of enumerable points in this dimension, or 0 if
// it cannot be enumerated.
func (d *Dimension) GridSize() int {
	switch d.Kind {
	case Choice:
		return len(d.Choices)
	case UniformInt:
		return int(d.High-d.Low) + 1
	default:
		return d.Resolution
	}
}

// GridValue returns the i'th enumerated value, for 0 <= i < GridSize().
func (d *Dimension) GridValue(i int) interface{} {
	switch d.Kind {
	case Choice:
		return d.Choices[i]
	case UniformInt:
		return int(d.Low) + i
	case LogUniform:
		if d.Resolution == 1 {
			return d.Low
		}
		step := (math.Log(d.High) - math.Log(d.Low)) / float64(d.Resolution-1)
		return math.Exp(math.Log(d.Low) + float64(i)*step)
	default:
		if d.Resolution == 1 {
			return d.Low
		}
		step := (d.High - d.Low) / float64(d.Resolution-1)
		return d.Low + float64(i)*step
	}
}

// Space is the ordered list of declared dimensions.
type Space []Dimension

func (s Space) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("search space has no dimensions")
	}
	seen := map[string]bool{}
	for i := range s {
		d := &s[i]
		if d.Name == "" {
			return fmt.Errorf("dimension %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate dimension name %s", d.Name)
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GridSize is the total number of enumerable points, or 0 if any
// dimension is not enumerable.
func (s Space) GridSize() int {
	total := 1
	for i := range s {
		size := s[i].GridSize()
		if size == 0 {
			return 0
		}
		total *= size
	}
	return total
}
