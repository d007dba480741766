package ir

// EngineVersion is the subathon engine version.
const EngineVersion = "0.3.0"
