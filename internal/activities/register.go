package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.ResolveProjectActivity)
	w.RegisterActivity(a.ResolveMetadataActivity)
	w.RegisterActivity(a.AcquirePDFActivity)
	w.RegisterActivity(a.DecomposePDFActivity)
	w.RegisterActivity(a.InterpretImagesActivity)
	w.RegisterActivity(a.EmbedPaperActivity)
	w.RegisterActivity(a.PersistPaperActivity)
	w.RegisterActivity(a.ExpandCitationsActivity)
	w.RegisterActivity(a.LinkEdgesActivity)
	w.RegisterActivity(a.WriteRunSummaryActivity)
	w.RegisterActivity(a.ListNeedsEmbeddingActivity)
	w.RegisterActivity(a.BackfillPaperActivity)
}
