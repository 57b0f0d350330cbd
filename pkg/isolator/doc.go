/*
Package isolator defines the contract between the containerizer and its
pluggable isolators, plus the registry they are constructed from.

An isolator owns one resource or namespace dimension of a container. The
containerizer drives all isolators through a fixed choreography:

	Recover    once at startup, with recovered containers and orphans
	Prepare    sequentially, in declared order, before the fork
	Isolate    in parallel, with the forked pid
	Watch      once per container; delivers at most one limitation
	Update     when the agent adjusts the container's resources
	Usage      on demand; partial failures are tolerated
	Status     on demand; partial failures are tolerated
	Cleanup    sequentially, in reverse declared order, during destroy

Isolators register a factory under a unique name:

	func init() {
		isolator.MustRegister("posix/cpu", func(cfg *config.Config) (isolator.Isolator, error) {
			return NewCPUIsolator(), nil
		})
	}

External modules plug in through the same registry; the containerizer
builds the configured pipeline with NewAll in declared order.

Isolators that return false from SupportsNesting are never invoked for
nested container IDs in any phase.
*/
package isolator
