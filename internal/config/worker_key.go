package config

type WorkerKeyStruct struct {
	AttemptSpillQueue string
}

var WorkerKey = &WorkerKeyStruct{
	AttemptSpillQueue: "simulator:attempt_spill_queue",
}
