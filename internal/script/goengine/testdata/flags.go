package main

import "janus/agent"

func ActivateAgent(h agent.Handle) {
	h.WriteOwnState("scriptedActivateExecuted", true)
	h.WriteOwnState("scriptedLiveExecuted", false)
}

func LiveAgent(h agent.Handle) {
	if done, _ := h.ReadOwnState("scriptedLiveExecuted").(bool); done {
		h.RequestTerminate()
		h.WriteOwnState("scriptedKilledExecuted", true)
		return
	}
	h.WriteOwnState("scriptedLiveExecuted", true)
}

func EndAgent(h agent.Handle) {
	h.WriteOwnState("scriptedEndExecuted", true)
}
