package sched

// EpochMillis is the wall-clock duration of one scheduler epoch: the PIT is
// programmed (by the out-of-scope PIT/PIC collaborator) to raise the timer
// vector once per epoch, and one epoch is also the scheduling quantum every
// process (console or user) receives before the round-robin alternation
// moves on.
const EpochMillis = 10
