package overlay

var MountScript = mountScript
