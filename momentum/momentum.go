// Package momentum implements stochastic gradient descent with classical
// momentum as a train/optimizers.Interface.
//
// Each trainable variable gets a same-shaped "velocity" slot variable,
// accumulated as velocity = momentum*velocity + learningRate*gradient and
// subtracted from the variable on every step. With momentum 0 it degrades to
// plain SGD.
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// ParamMomentum is the context parameter with the momentum coefficient,
	// read by Config.FromContext. Default is DefaultMomentum.
	ParamMomentum = "momentum"

	// DefaultLearningRate is used when neither the configuration nor the
	// context sets a learning rate.
	DefaultLearningRate = 0.01

	// DefaultMomentum is the default momentum coefficient.
	DefaultMomentum = 0.9

	// DefaultScope is the context scope, rooted on the absolute scope, where
	// the velocity slot variables are created.
	DefaultScope = "MomentumSGD"
)

// Config for the momentum SGD optimizer, create it with New, set the options
// and call Done.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
}

// New creates a configuration for a momentum SGD optimizer with default
// values. Call Done to build the optimizer.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1, // Not set, fall back to context or default.
		momentum:     DefaultMomentum,
	}
}

// Scope sets the context scope holding the velocity variables. Only needed if
// more than one momentum optimizer shares a context.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate. The context parameter
// optimizers.ParamLearningRate, if set, still takes precedence at graph
// building time.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum sets the momentum coefficient. A value of 0 gives plain SGD.
func (c *Config) Momentum(value float64) *Config {
	if value < 0 || value >= 1 {
		Panicf("momentum coefficient must be in [0, 1), got %g", value)
	}
	c.momentum = value
	return c
}

// FromContext reads the momentum coefficient from the context parameter
// ParamMomentum, if set.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	return c
}

// Done builds the optimizer from the configuration.
func (c *Config) Done() optimizers.Interface {
	return &momentumSGD{config: c}
}

type momentumSGD struct {
	config *Config
}

// UpdateGraph builds the graph that updates every trainable variable from the
// gradients of loss, accumulating the velocity slots along the way.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("momentum SGD requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	dtype := loss.DType()
	baseLR := o.config.learningRate
	if baseLR <= 0 {
		baseLR = DefaultLearningRate
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, baseLR).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("no trainable variables in context, cannot update")
	}

	// Variables must be enumerated in the same order used by
	// BuildTrainableVariablesGradientsGraph.
	numUpdated := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		grad := grads[numUpdated]
		numUpdated++

		lr := learningRate
		if lr.DType() != grad.DType() {
			lr = ConvertDType(lr, grad.DType())
		}
		mu := Scalar(g, grad.DType(), o.config.momentum)

		velocityVar := o.velocityVariable(ctx, v)
		velocity := Add(Mul(mu, velocityVar.ValueGraph(g)), Mul(lr, grad))
		velocityVar.SetValueGraph(velocity)
		v.SetValueGraph(Sub(v.ValueGraph(g), velocity))
	})
	if numUpdated != len(grads) {
		Panicf("gradients were generated for %d variables, but %d variables were updated -- something changed in "+
			"the variables between the gradient calculation and the update", len(grads), numUpdated)
	}
}

// velocityVariable returns (creating, if needed) the velocity slot for the
// given trainable variable, under the optimizer's scope mirroring the
// variable's own scope.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	return ctx.InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).
		SetTrainable(false)
}

// Clear deletes the velocity slot variables.
func (o *momentumSGD) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
