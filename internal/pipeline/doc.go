// Package pipeline runs linear multi-stage builds and packs the final stage
// into a container-style image: a reproducible rootfs.tar plus config.json.
//
// Stages execute strictly in order, each in its own temporary root. A stage
// sees only what its own steps produce and what copy steps bring in from
// earlier stages or the build context. Intermediate roots are discarded.
//
// A definition can also be rendered as a multi-stage Dockerfile for use with
// a real container builder.
package pipeline
