package core

// Kinds and relations are free-form strings rather than closed enums: the
// engine never rejects a category it has not seen before, and the constants
// in this package exist only so the engine's own writes stay consistent.
