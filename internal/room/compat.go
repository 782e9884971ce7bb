package room

// CanJoin 纯判定：给定性别的请求者能否加入该房间（无任何 I/O、无副作用）。
// 策略是房间的属性，请求策略与房间策略不一致时直接不作为候选。
func CanJoin(r *Room, gender string, requested GenderPolicy) bool {
	if r.Kind != KindRandom {
		return false
	}
	if r.Status != StatusWaiting {
		return false
	}
	if len(r.Occupants) >= r.Capacity {
		return false
	}
	if r.Policy != requested {
		return false
	}

	switch r.Policy {
	case PolicyAny:
		return true
	case PolicySame:
		// 空房间视为满足（vacuously true）
		for _, o := range r.Occupants {
			if o.Gender != gender {
				return false
			}
		}
		return true
	case PolicyOpposite:
		for _, o := range r.Occupants {
			if o.Gender == gender {
				return false
			}
		}
		return true
	default:
		// 未知策略在边界已被拒绝，这里保守返回 false
		return false
	}
}
