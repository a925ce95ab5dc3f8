package config

type WorkerKeyStruct struct {
	SaveAnswerQueue    string
	AutoSubmitQueue    string
	ScheduledSubmitSet string
}

var WorkerKey = &WorkerKeyStruct{
	SaveAnswerQueue:    "save_answer_queue",
	AutoSubmitQueue:    "auto_submit_queue",
	ScheduledSubmitSet: "scheduled_submits",
}
