package workflows

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker) {
	w.RegisterWorkflow(CitationClosureWorkflow)
	w.RegisterWorkflow(PaperIngestWorkflow)
	w.RegisterWorkflow(EmbeddingBackfillWorkflow)
}
