package marketplace

import "fmt"

// authorizeParty requires the actor to hold the given role and to be that
// party on the booking.
func authorizeParty(actor Actor, booking Booking, party Role) error {
	if actor.Role != party {
		return fmt.Errorf("%w: %s role required", ErrForbidden, party)
	}
	var owner UserID
	switch party {
	case RoleClient:
		owner = booking.ClientID
	case RoleFreelancer:
		owner = booking.FreelancerID
	default:
		return fmt.Errorf("%w: %s is not a booking party", ErrForbidden, party)
	}
	if owner != actor.UserID {
		return fmt.Errorf("%w: booking %s belongs to another %s", ErrForbidden, booking.ID, party)
	}
	return nil
}

// authorizeView lets either party or an admin read a booking and its payment.
func authorizeView(actor Actor, booking Booking) error {
	switch {
	case actor.Role == RoleAdmin:
		return nil
	case actor.Role == RoleClient && booking.ClientID == actor.UserID:
		return nil
	case actor.Role == RoleFreelancer && booking.FreelancerID == actor.UserID:
		return nil
	default:
		return fmt.Errorf("%w: booking %s is not visible to %s", ErrForbidden, booking.ID, actor.UserID)
	}
}
