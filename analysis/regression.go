package analysis

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientData = errors.New("insufficient data for regression")
	ErrSingular         = errors.New("design matrix is singular")
)

// Coef is one fitted term. The intercept is always the first term.
type Coef struct {
	Name     string
	Estimate float64
	StdErr   float64
	Z        float64
}

type Fit struct {
	Model string
	Terms []Coef
	N     int
	// RSquared is the coefficient of determination for OLS and McFadden's
	// pseudo R² for logistic fits.
	RSquared      float64
	LogLikelihood float64
	Iterations    int
	Converged     bool
}

func (f *Fit) Term(name string) (Coef, bool) {
	for _, c := range f.Terms {
		if c.Name == name {
			return c, true
		}
	}
	return Coef{}, false
}

// Predict evaluates the fitted linear predictor at x, which holds one value
// per non-intercept term.
func (f *Fit) Predict(x ...float64) float64 {
	y := f.Terms[0].Estimate
	for i, v := range x {
		y += f.Terms[i+1].Estimate * v
	}
	return y
}

// design returns the n×(len(cols)+1) design matrix with a leading
// intercept column.
func design(n int, cols [][]float64) *mat.Dense {
	p := len(cols) + 1
	X := mat.NewDense(n, p, nil)
	for i := range n {
		X.Set(i, 0, 1)
		for j, c := range cols {
			X.Set(i, j+1, c[i])
		}
	}
	return X
}

// inverse inverts a, reporting ErrSingular when gonum finds it singular or
// too badly conditioned to trust.
func inverse(a mat.Matrix) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return &inv, nil
}

func checkInputs(names []string, cols [][]float64, y []float64) error {
	if len(names) != len(cols) {
		return fmt.Errorf("%d names for %d columns", len(names), len(cols))
	}
	for j, c := range cols {
		if len(c) != len(y) {
			return fmt.Errorf("column %s has %d values, want %d", names[j], len(c), len(y))
		}
	}
	if len(y) <= len(cols)+1 {
		return fmt.Errorf("%w: %d observations for %d terms", ErrInsufficientData, len(y), len(cols)+1)
	}
	return nil
}

// OLS fits y on the given predictor columns plus an intercept.
func OLS(response string, names []string, cols [][]float64, y []float64) (*Fit, error) {
	if err := checkInputs(names, cols, y); err != nil {
		return nil, err
	}
	n, p := len(y), len(cols)+1
	X := design(n, cols)
	Y := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	inv, err := inverse(&xtx)
	if err != nil {
		return nil, err
	}
	var xty, beta, fitted, resid mat.VecDense
	xty.MulVec(X.T(), Y)
	beta.MulVec(inv, &xty)
	fitted.MulVec(X, &beta)
	resid.SubVec(Y, &fitted)
	rss := mat.Dot(&resid, &resid)
	sigma2 := rss / float64(n-p)

	fit := &Fit{Model: "OLS " + formula(response, names), N: n, Converged: true}
	if stat.Variance(y, nil) > 0 {
		fit.RSquared = stat.RSquaredFrom(fitted.RawVector().Data, y, nil)
	}
	fit.LogLikelihood = -float64(n) / 2 * (math.Log(2*math.Pi*rss/float64(n)) + 1)
	fit.Terms = terms(names, &beta, func(j int) float64 { return math.Sqrt(sigma2 * inv.At(j, j)) })
	return fit, nil
}

const (
	logitMaxIter = 50
	logitTol     = 1e-8
)

// Logit fits a logistic regression of the 0/1 response y by iteratively
// reweighted least squares. A fit that hits the iteration limit is returned
// with Converged false, which usually means the classes are separable.
func Logit(response string, names []string, cols [][]float64, y []float64) (*Fit, error) {
	if err := checkInputs(names, cols, y); err != nil {
		return nil, err
	}
	n, p := len(y), len(cols)+1
	X := design(n, cols)
	beta := mat.NewVecDense(p, nil)

	fit := &Fit{Model: "Logit " + formula(response, names), N: n}
	var inv *mat.Dense
	for fit.Iterations < logitMaxIter {
		fit.Iterations++
		var eta mat.VecDense
		eta.MulVec(X, beta)
		resid := mat.NewVecDense(n, nil)
		weighted := mat.NewDense(n, p, nil)
		for i := range n {
			mu := sigmoid(eta.AtVec(i))
			resid.SetVec(i, y[i]-mu)
			w := mu * (1 - mu)
			for j := range p {
				weighted.Set(i, j, w*X.At(i, j))
			}
		}

		var hess mat.Dense
		hess.Mul(X.T(), weighted)
		var err error
		if inv, err = inverse(&hess); err != nil {
			return nil, err
		}
		var grad, step mat.VecDense
		grad.MulVec(X.T(), resid)
		step.MulVec(inv, &grad)
		beta.AddVec(beta, &step)
		if mat.Norm(&step, math.Inf(1)) < logitTol {
			fit.Converged = true
			break
		}
	}

	var eta mat.VecDense
	eta.MulVec(X, beta)
	ybar := stat.Mean(y, nil)
	var ll, ll0 float64
	for i := range n {
		ll += logLik(y[i], sigmoid(eta.AtVec(i)))
		ll0 += logLik(y[i], ybar)
	}
	fit.LogLikelihood = ll
	if ll0 != 0 {
		fit.RSquared = 1 - ll/ll0
	}
	fit.Terms = terms(names, beta, func(j int) float64 { return math.Sqrt(inv.At(j, j)) })
	return fit, nil
}

func logLik(y, mu float64) float64 {
	const eps = 1e-12
	mu = math.Min(math.Max(mu, eps), 1-eps)
	return y*math.Log(mu) + (1-y)*math.Log(1-mu)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func terms(names []string, beta mat.Vector, stdErr func(int) float64) []Coef {
	out := make([]Coef, beta.Len())
	for j := range out {
		name := "Intercept"
		if j > 0 {
			name = names[j-1]
		}
		b, se := beta.AtVec(j), stdErr(j)
		c := Coef{Name: name, Estimate: b, StdErr: se}
		if se > 0 {
			c.Z = b / se
		}
		out[j] = c
	}
	return out
}

func formula(response string, names []string) string {
	return response + " ~ " + strings.Join(names, " + ")
}
