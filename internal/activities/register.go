package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.LoadTermsActivity)
	w.RegisterActivity(a.EnsureVocabularyActivity)
	w.RegisterActivity(a.MapTermActivity)
	w.RegisterActivity(a.PersistDecisionActivity)
	w.RegisterActivity(a.UpsertRunActivity)
	w.RegisterActivity(a.EvaluateRunActivity)
	w.RegisterActivity(a.WriteRunReportActivity)
	w.RegisterActivity(a.WriteDecisionsArtifactActivity)
	w.RegisterActivity(a.LogModelCallActivity)
}
