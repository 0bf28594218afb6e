package call

// Each peer sees every broadcast in the session scope and decides locally
// whether an event is meant for it. The predicates below are that decision.

// acceptsRing reports whether a video-call announcement should put the
// machine into the incoming state. First caller wins.
func acceptsRing(self Identity, st State, m VideoCallMsg) bool {
	return st == StateIdle && self.Role == RolePatient && m.PatientID != "" && m.PatientID == self.UserID
}

// offerForMe reports whether an offer belongs to the pending incoming call.
func offerForMe(self Identity, st State, caller *Caller, m OfferMsg) bool {
	if st != StateIncoming || caller == nil {
		return false
	}
	return m.PatientID == self.UserID && m.DoctorID == caller.DoctorID
}

// earlyOfferForMe reports whether an offer that overtook its video-call
// announcement should be held until the ring arrives.
func earlyOfferForMe(self Identity, st State, m OfferMsg) bool {
	return st == StateIdle && self.Role == RolePatient && m.PatientID != "" && m.PatientID == self.UserID
}

// answerForMe reports whether an answer is addressed to this doctor for the
// call it placed. hasPeer must be true: an answer needs an open connection.
func answerForMe(self Identity, st State, patientID string, hasPeer bool, m AnswerMsg) bool {
	return st == StateActive && hasPeer && self.Role == RoleDoctor &&
		m.DoctorID == self.UserID && m.PatientID == patientID
}

// candidateForMe reports whether a trickled candidate targets this participant
// while a connection exists to receive it.
func candidateForMe(self Identity, st State, hasPeer bool, m CandidateMsg) bool {
	return st == StateActive && hasPeer && m.TargetID != "" && m.TargetID == self.UserID
}

// endsActiveCall reports whether an end-call message refers to the current call.
func endsActiveCall(st State, appointmentID int64, m EndCallMsg) bool {
	return st == StateActive && m.AppointmentID == appointmentID
}

// cancelsRing reports whether the caller hung up while the phone was ringing.
func cancelsRing(st State, appointmentID int64, m EndCallMsg) bool {
	return st == StateIncoming && m.AppointmentID == appointmentID
}

// otherParticipant returns the id of the remote side of appt.
func otherParticipant(self Identity, appt Appointment) string {
	if self.Role == RoleDoctor {
		return appt.PatientID
	}
	return appt.DoctorID
}
