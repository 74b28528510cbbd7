package device

// BatteryLevelUnknown is the sentinel for "no battery level known".
const BatteryLevelUnknown = -1

// Vendor battery indications arrive as small tagged argument vectors on the
// call-control link. The decoders below are pure; malformed vectors decode to
// BatteryLevelUnknown and never reach the registry.

// accessoryKeyBatteryLevel tags the battery entry inside the accessory
// key/value indication vector.
const accessoryKeyBatteryLevel = 1

// DecodeXEventBattery decodes a (level, numLevels) battery indication into a
// percentage: floor(level*100/(numLevels-1)). Valid only for
// 0 <= level <= numLevels-1 with numLevels > 1.
func DecodeXEventBattery(level, numLevels int) int {
	if numLevels <= 1 || level < 0 || level > numLevels-1 {
		return BatteryLevelUnknown
	}
	return level * 100 / (numLevels - 1)
}

// DecodeAccessoryBattery decodes the accessory-style indication vector:
// args[0] is the key/value pair count, followed by that many (key, value)
// pairs. Key 1 carries a battery value in [0,9] mapping to (value+1)*10
// percent. A truncated vector, a non-integer field in the battery pair, or an
// out-of-range value decodes to BatteryLevelUnknown.
func DecodeAccessoryBattery(args []interface{}) int {
	if len(args) == 0 {
		return BatteryLevelUnknown
	}
	pairs, ok := asInt(args[0])
	if !ok || pairs <= 0 || len(args) != pairs*2+1 {
		return BatteryLevelUnknown
	}
	for i := 0; i < pairs; i++ {
		key, kok := asInt(args[1+2*i])
		if !kok || key != accessoryKeyBatteryLevel {
			continue
		}
		val, vok := asInt(args[2+2*i])
		if !vok || val < 0 || val > 9 {
			return BatteryLevelUnknown
		}
		return (val + 1) * 10
	}
	return BatteryLevelUnknown
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
