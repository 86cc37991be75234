// Package reagent is an execution engine for LLM-driven ReAct agents:
// the loop alternates model reasoning rounds with tool execution until
// the model answers, a finish sentinel fires, or the iteration budget
// runs out.
//
// The core pieces:
//
//   - Msg and ContentBlock: the multimodal message model shared by
//     memory, models, and tools.
//   - Memory: the ordered transcript store.
//   - Toolkit: the tool registry with group-based exposure and parallel,
//     timeout-guarded invocation.
//   - Model and Formatter: the streaming provider contract and the
//     transcript wire renderer.
//   - HookChain: typed extension points around every loop phase.
//   - PlanNotebook: optional plan tracking with model-facing tools and a
//     per-round plan hint.
//   - Session and StateModule: pluggable persistence of agent state
//     (backends under session/).
//
// A minimal agent:
//
//	agent, err := reagent.New("assistant", model,
//	    reagent.WithSystemPrompt("You are a helpful assistant."),
//	    reagent.WithToolkit(tk),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reply, err := agent.Call(ctx, reagent.NewUserMsg("user", "hello"))
//
// CallStream runs the same loop while emitting Events into a caller
// channel; structured output is requested per call with WithOutputType
// or WithOutputSchema.
package reagent
